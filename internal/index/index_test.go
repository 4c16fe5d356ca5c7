package index

import (
	"testing"

	"nostr-archiver/internal/event"
)

func mustOpen(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func idWithByte(b byte) event.ID {
	var id event.ID
	id[0] = b
	return id
}

func TestContainsInsert(t *testing.T) {
	idx := mustOpen(t)
	id := idWithByte(1)

	exists, err := idx.Contains(id)
	if err != nil {
		t.Fatalf("Contains returned error: %v", err)
	}
	if exists {
		t.Fatal("Contains = true before Insert, want false")
	}

	if err := idx.Insert(id, 1000); err != nil {
		t.Fatalf("Insert returned error: %v", err)
	}

	exists, err = idx.Contains(id)
	if err != nil {
		t.Fatalf("Contains returned error: %v", err)
	}
	if !exists {
		t.Fatal("Contains = false after Insert, want true")
	}
}

func TestLen(t *testing.T) {
	idx := mustOpen(t)
	for i := byte(0); i < 5; i++ {
		if err := idx.Insert(idWithByte(i), int64(i)); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
	}
	n, err := idx.Len()
	if err != nil {
		t.Fatalf("Len returned error: %v", err)
	}
	if n != 5 {
		t.Fatalf("Len = %d, want 5", n)
	}
}

func TestInsertDuplicateIsNoop(t *testing.T) {
	idx := mustOpen(t)
	id := idWithByte(7)
	if err := idx.Insert(id, 1); err != nil {
		t.Fatalf("first Insert returned error: %v", err)
	}
	if err := idx.Insert(id, 2); err != nil {
		t.Fatalf("second Insert returned error: %v", err)
	}
	n, err := idx.Len()
	if err != nil {
		t.Fatalf("Len returned error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Len = %d, want 1 after duplicate insert", n)
	}
}

func TestScanOrdersByID(t *testing.T) {
	idx := mustOpen(t)
	ids := []byte{5, 1, 3}
	for _, b := range ids {
		if err := idx.Insert(idWithByte(b), int64(b)); err != nil {
			t.Fatalf("Insert returned error: %v", err)
		}
	}
	var seen []byte
	err := idx.Scan(func(e Entry) error {
		seen = append(seen, e.ID[0])
		return nil
	})
	if err != nil {
		t.Fatalf("Scan returned error: %v", err)
	}
	if len(seen) != 3 || seen[0] != 1 || seen[1] != 3 || seen[2] != 5 {
		t.Fatalf("Scan order = %v, want [1 3 5]", seen)
	}
}
