package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"nostr-archiver/internal/event"
	"nostr-archiver/internal/index"
	"nostr-archiver/internal/logging"
	"nostr-archiver/internal/metrics"
	"nostr-archiver/internal/policy"
	"nostr-archiver/internal/writer"
)

func newCoordinatorWithMetrics(t *testing.T, policies *policy.Chain, reg *metrics.Registry) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	idx, err := index.Open(dir)
	if err != nil {
		t.Fatalf("index.Open returned error: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	clock := func() time.Time { return time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC) }
	w, err := writer.New(filepath.Join(dir, "events"), clock, nil)
	if err != nil {
		t.Fatalf("writer.New returned error: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	c, err := New(Options{Policies: policies, Index: idx, Writer: w, Now: clock, Logger: logging.NewTestLogger(), Metrics: reg})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return c
}

func newCoordinator(t *testing.T, policies *policy.Chain) *Coordinator {
	t.Helper()
	return newCoordinatorWithMetrics(t, policies, nil)
}

func evt(b byte, kind int64) event.Event {
	var id event.ID
	id[0] = b
	return event.Event{ID: id, Kind: kind, CreatedAt: 1000, JSON: `{"id":"x"}`}
}

func TestSaveAcceptsNewEvent(t *testing.T) {
	c := newCoordinator(t, policy.NewChain())
	outcome, reason, err := c.Save(evt(1, 1), "peer-a")
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("outcome = %v, want Accepted (reason=%q)", outcome, reason)
	}
}

func TestSaveDetectsDuplicate(t *testing.T) {
	c := newCoordinator(t, policy.NewChain())
	ev := evt(2, 1)
	if _, _, err := c.Save(ev, "peer-a"); err != nil {
		t.Fatalf("first Save returned error: %v", err)
	}
	outcome, _, err := c.Save(ev, "peer-b")
	if err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}
	if outcome != Duplicate {
		t.Fatalf("outcome = %v, want Duplicate", outcome)
	}
}

func TestSaveRejectsViaPolicy(t *testing.T) {
	c := newCoordinator(t, policy.NewChain(policy.EphemeralBlock{}))
	outcome, reason, err := c.Save(evt(3, 20000), "peer-a")
	if err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if outcome != Rejected {
		t.Fatalf("outcome = %v, want Rejected", outcome)
	}
	if reason == "" {
		t.Fatal("expected non-empty rejection reason")
	}
}

func TestSaveRejectedEventDoesNotEnterIndex(t *testing.T) {
	c := newCoordinator(t, policy.NewChain(policy.EphemeralBlock{}))
	ev := evt(4, 20000)
	if _, _, err := c.Save(ev, "peer-a"); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	exists, err := c.index.Contains(ev.ID)
	if err != nil {
		t.Fatalf("Contains returned error: %v", err)
	}
	if exists {
		t.Fatal("rejected event should not be recorded in the dedup index")
	}
}

func TestSaveDuplicateTakesPrecedenceOverPolicy(t *testing.T) {
	c := newCoordinator(t, policy.NewChain(policy.EphemeralBlock{}))
	id := evt(7, 1).ID

	first := event.Event{ID: id, Kind: 1, CreatedAt: 1000, JSON: `{"id":"x"}`}
	outcome, _, err := c.Save(first, "peer-a")
	if err != nil {
		t.Fatalf("first Save returned error: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("outcome = %v, want Accepted", outcome)
	}

	// Resubmitting the same id with content that would now fail the policy
	// chain must still report Duplicate: the dedup check runs before policy.
	resubmit := event.Event{ID: id, Kind: 20000, CreatedAt: 1000, JSON: `{"id":"x"}`}
	outcome, _, err = c.Save(resubmit, "peer-b")
	if err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}
	if outcome != Duplicate {
		t.Fatalf("outcome = %v, want Duplicate, not Rejected", outcome)
	}
}

func TestSaveRecordsMetrics(t *testing.T) {
	reg := metrics.New(prometheus.NewRegistry())
	c := newCoordinatorWithMetrics(t, policy.NewChain(policy.EphemeralBlock{}), reg)

	ev := evt(5, 1)
	if _, _, err := c.Save(ev, "peer-a"); err != nil {
		t.Fatalf("first Save returned error: %v", err)
	}
	if got := testutil.ToFloat64(reg.EventsSaved); got != 1 {
		t.Fatalf("EventsSaved = %v, want 1", got)
	}

	if _, _, err := c.Save(ev, "peer-b"); err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}
	if got := testutil.ToFloat64(reg.EventsDuplicate); got != 1 {
		t.Fatalf("EventsDuplicate = %v, want 1", got)
	}

	if _, _, err := c.Save(evt(6, 20000), "peer-c"); err != nil {
		t.Fatalf("rejected Save returned error: %v", err)
	}
	if got := testutil.ToFloat64(reg.EventsRejected.WithLabelValues("ephemeral kind not archived")); got != 1 {
		t.Fatalf("EventsRejected = %v, want 1", got)
	}
}
