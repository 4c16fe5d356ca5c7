// Package index implements the dedup index: a persistent ordered set of
// event identifiers, backed by an embedded SQLite database, that the ingest
// coordinator consults before appending an event to the archive.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"nostr-archiver/internal/event"
)

const schema = `
CREATE TABLE IF NOT EXISTS dedup (
	id         TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
`

// Index is a persistent, mutex-guarded set of event identifiers.
type Index struct {
	mu sync.Mutex
	db *sqlx.DB
}

// Open opens (creating if absent) the dedup index database rooted at
// <outDir>/index/dedup.db.
func Open(outDir string) (*Index, error) {
	dir := filepath.Join(outDir, "index")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("index: create directory: %w", err)
	}
	path := filepath.Join(dir, "dedup.db")

	//1.- Open in WAL mode so concurrent readers don't block the writer goroutine.
	db, err := sqlx.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: ping %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: migrate %s: %w", path, err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error {
	if idx == nil || idx.db == nil {
		return nil
	}
	return idx.db.Close()
}

// Contains reports whether id has already been recorded.
func (idx *Index) Contains(id event.ID) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var exists int
	err := idx.db.Get(&exists, `SELECT 1 FROM dedup WHERE id = ?`, id.String())
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("index: contains %s: %w", id, err)
	}
	return true, nil
}

// Insert records id as seen. Inserting an id that is already present is a
// no-op; callers that need duplicate detection must call Contains first.
func (idx *Index) Insert(id event.ID, createdAt int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	_, err := idx.db.Exec(`INSERT OR IGNORE INTO dedup (id, created_at) VALUES (?, ?)`, id.String(), createdAt)
	if err != nil {
		return fmt.Errorf("index: insert %s: %w", id, err)
	}
	return nil
}

// Len returns the number of recorded identifiers.
func (idx *Index) Len() (int64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var count int64
	if err := idx.db.Get(&count, `SELECT COUNT(*) FROM dedup`); err != nil {
		return 0, fmt.Errorf("index: len: %w", err)
	}
	return count, nil
}

// Entry is a single dedup record returned by Scan.
type Entry struct {
	ID        event.ID
	CreatedAt int64
}

// Scan streams every recorded entry, ordered by id, to fn. It is used by the
// peer sync export and by tests; fn returning an error stops the scan.
func (idx *Index) Scan(fn func(Entry) error) error {
	idx.mu.Lock()
	rows, err := idx.db.Queryx(`SELECT id, created_at FROM dedup ORDER BY id`)
	idx.mu.Unlock()
	if err != nil {
		return fmt.Errorf("index: scan: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec struct {
			ID        string `db:"id"`
			CreatedAt int64  `db:"created_at"`
		}
		if err := rows.StructScan(&rec); err != nil {
			return fmt.Errorf("index: scan row: %w", err)
		}
		id, err := event.ParseID(rec.ID)
		if err != nil {
			return fmt.Errorf("index: scan row: %w", err)
		}
		if err := fn(Entry{ID: id, CreatedAt: rec.CreatedAt}); err != nil {
			return err
		}
	}
	return rows.Err()
}
