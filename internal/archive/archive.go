// Package archive exposes the read side of the archive directory: listing
// its files (live and compressed) and serving one for download, with path
// traversal protection.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// File describes a single entry in the archive directory.
type File struct {
	Path    string
	Size    int64
	Created time.Time
}

var liveOrCompactedName = regexp.MustCompile(`^events_(\d{8})\.jsonl(\.zst)?$`)

// List enumerates the non-recursive contents of dir, skipping
// subdirectories. Created is parsed from the filename's embedded date when
// the name matches the archive's naming convention, falling back to the
// file's modification time otherwise — filesystem birth time is not
// portably available via the standard library.
func List(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("archive: read directory: %w", err)
	}

	files := make([]File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("archive: stat %s: %w", entry.Name(), err)
		}
		files = append(files, File{
			Path:    entry.Name(),
			Size:    info.Size(),
			Created: createdFor(entry.Name(), info.ModTime()),
		})
	}
	return files, nil
}

func createdFor(name string, fallback time.Time) time.Time {
	m := liveOrCompactedName.FindStringSubmatch(name)
	if m == nil {
		return fallback
	}
	t, err := time.Parse("20060102", m[1])
	if err != nil {
		return fallback
	}
	return t
}

// Get resolves requestPath (as received on the HTTP download surface) to a
// file under dir, rejecting any attempt to escape it via ".." segments or
// an absolute path.
func Get(dir, requestPath string) (string, os.FileInfo, error) {
	cleanedRequest := strings.TrimPrefix(requestPath, "/")
	if cleanedRequest == "" {
		return "", nil, fmt.Errorf("archive: empty request path")
	}

	full := filepath.Join(dir, filepath.Clean("/"+cleanedRequest))
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", nil, fmt.Errorf("archive: resolve directory: %w", err)
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", nil, fmt.Errorf("archive: resolve path: %w", err)
	}
	if absFull != absDir && !strings.HasPrefix(absFull, absDir+string(filepath.Separator)) {
		return "", nil, fmt.Errorf("archive: %q escapes archive directory", requestPath)
	}

	info, err := os.Stat(absFull)
	if err != nil {
		return "", nil, fmt.Errorf("archive: stat %q: %w", requestPath, err)
	}
	if info.IsDir() {
		return "", nil, fmt.Errorf("archive: %q is a directory", requestPath)
	}
	return absFull, info, nil
}

// Listing summarises the archive directory for the HTML index page.
type Listing struct {
	Files       []File
	TotalEvents int64
	TotalBytes  int64
}

// BuildListing combines the file listing with an event count sourced from
// the dedup index, for rendering the directory index page. Files are
// ordered by Created descending, newest first, matching the landing page's
// required link order.
func BuildListing(dir string, totalEvents int64) (Listing, error) {
	files, err := List(dir)
	if err != nil {
		return Listing{}, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Created.After(files[j].Created) })
	var totalBytes int64
	for _, f := range files {
		totalBytes += f.Size
	}
	return Listing{Files: files, TotalEvents: totalEvents, TotalBytes: totalBytes}, nil
}

// FormatMiB renders a byte count in mebibytes to two decimal places, the
// unit and precision the landing page requires for each archive file link.
func FormatMiB(n int64) string {
	return fmt.Sprintf("%.2f MiB", float64(n)/(1024*1024))
}

// FormatGiB renders a byte count in gibibytes to three decimal places, the
// unit and precision the landing page requires for the total archive size.
func FormatGiB(n int64) string {
	return fmt.Sprintf("%.3f GiB", float64(n)/(1024*1024*1024))
}

// FormatCount renders n with comma thousands separators (e.g. 12345 ->
// "12,345"), the format the landing page requires for the event count.
func FormatCount(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := 0; i < len(s); i++ {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
