// Package writer implements the day-partitioned, append-only JSONL writer
// that the ingest coordinator uses to persist accepted events.
package writer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nostr-archiver/internal/event"
	"nostr-archiver/internal/metrics"
)

const dateLayout = "20060102"

// RotatedFunc is invoked, outside the writer's lock, whenever a day roll
// closes a live file. path is the closed file, ready for compaction.
type RotatedFunc func(path string)

// Writer appends canonical event JSON to a UTC-day-partitioned live file,
// rotating to a new file whenever the current day changes.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	onRotated   RotatedFunc
	currentDate string
	handle      *os.File
	metrics     *metrics.Registry
}

// SetMetrics attaches a metrics registry whose LiveFileBytes gauge is
// updated after every append. Safe to call once before concurrent use
// begins.
func (w *Writer) SetMetrics(reg *metrics.Registry) {
	w.metrics = reg
}

// New prepares the writer for the archive rooted at dir. If a live file for
// today already exists it is reopened for append. A live file left over
// from an earlier day is not opened: the writer never rotates it and never
// hands it to the rotation callback, so it stays on disk uncompressed.
func New(dir string, clock func() time.Time, onRotated RotatedFunc) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("writer: directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("writer: create directory: %w", err)
	}

	w := &Writer{dir: dir, now: clock, onRotated: onRotated}

	today := clock().UTC().Format(dateLayout)
	livePath := filepath.Join(dir, livePathFor(today))
	if _, err := os.Stat(livePath); err == nil {
		handle, err := os.OpenFile(livePath, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("writer: reopen live file: %w", err)
		}
		w.handle = handle
		w.currentDate = today
	}

	return w, nil
}

func livePathFor(date string) string {
	return fmt.Sprintf("events_%s.jsonl", date)
}

// WriteEvent appends ev's JSON line, rotating to a new day's file first if
// the wall-clock day has changed since the last write. The rotation check
// compares formatted date strings rather than doing arithmetic, so it
// tolerates clock skew and DST-free UTC bookkeeping uniformly.
func (w *Writer) WriteEvent(ev event.Event) error {
	if w == nil {
		return fmt.Errorf("writer: not initialised")
	}
	// Registered before the lock's deferred Unlock so that it runs after it:
	// the rotation callback is invoked outside the writer's lock.
	var rotatedPath string
	defer func() {
		if rotatedPath != "" && w.onRotated != nil {
			w.onRotated(rotatedPath)
		}
	}()
	w.mu.Lock()
	defer w.mu.Unlock()

	today := w.now().UTC().Format(dateLayout)
	if w.handle != nil && today != w.currentDate {
		closedPath, err := w.rotateLocked()
		if err != nil {
			return err
		}
		rotatedPath = closedPath
	}
	if w.handle == nil {
		handle, err := os.OpenFile(filepath.Join(w.dir, livePathFor(today)), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("writer: open live file: %w", err)
		}
		w.handle = handle
		w.currentDate = today
	}

	line := ev.JSON + "\n"
	if _, err := w.handle.WriteString(line); err != nil {
		return fmt.Errorf("writer: append event %s: %w", ev.ID, err)
	}
	if w.metrics != nil {
		if info, err := w.handle.Stat(); err == nil {
			w.metrics.LiveFileBytes.Set(float64(info.Size()))
		}
	}
	return nil
}

// rotateLocked closes the current live file and returns its path, which
// WriteEvent hands to the rotation callback once w.mu is released. Callers
// must hold w.mu.
func (w *Writer) rotateLocked() (string, error) {
	closedPath := filepath.Join(w.dir, livePathFor(w.currentDate))
	if err := w.handle.Close(); err != nil {
		return "", fmt.Errorf("writer: close rotated file: %w", err)
	}
	w.handle = nil
	return closedPath, nil
}

// Close flushes and closes the current live file, if one is open. The live
// file is left in place uncompressed; compaction only ever runs against
// files closed by a day rotation.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handle == nil {
		return nil
	}
	err := w.handle.Close()
	w.handle = nil
	return err
}
