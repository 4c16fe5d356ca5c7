package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"nostr-archiver/internal/config"
)

func TestNamedTagsComponentField(t *testing.T) {
	base := NewTestLogger()
	named := base.Named("ingest")
	if named.fields[ComponentField] != "ingest" {
		t.Fatalf("component field = %v, want ingest", named.fields[ComponentField])
	}
	// Named must not mutate the receiver.
	if _, ok := base.fields[ComponentField]; ok {
		t.Fatal("base logger should not carry a component field")
	}
}

func TestNamedOnNilLoggerUsesGlobal(t *testing.T) {
	ReplaceGlobals(NewTestLogger())
	var l *Logger
	named := l.Named("writer")
	if named.fields[ComponentField] != "writer" {
		t.Fatalf("component field = %v, want writer", named.fields[ComponentField])
	}
}

func TestLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	cfg := config.LoggingConfig{Level: "warn", Path: filepath.Join(dir, "app.log"), MaxSizeMB: 1, MaxBackups: 1}
	log, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer log.Sync()

	log.Debug("dropped")
	log.Info("also dropped")
	log.Warn("kept")

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Fatalf("expected debug/info lines filtered out, got: %s", data)
	}
	if !strings.Contains(string(data), "kept") {
		t.Fatalf("expected warn line present, got: %s", data)
	}
}

func TestRotatingWriterRotatesOnUTCDayBoundary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	cfg := config.LoggingConfig{MaxSizeMB: 100, MaxBackups: 5, Compress: false}
	cfg.Path = path

	w, err := newRotatingWriter(cfg)
	if err != nil {
		t.Fatalf("newRotatingWriter returned error: %v", err)
	}
	clock := time.Date(2026, 7, 30, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	w.currentDate = clock.UTC().Format("20060102")

	if _, err := w.Write([]byte("line-one\n")); err != nil {
		t.Fatalf("first Write returned error: %v", err)
	}

	clock = clock.Add(2 * time.Minute) // crosses into 2026-07-31 UTC
	if _, err := w.Write([]byte("line-two\n")); err != nil {
		t.Fatalf("second Write returned error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir returned error: %v", err)
	}
	var rotated int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "app.log.") {
			rotated++
		}
	}
	if rotated != 1 {
		t.Fatalf("expected exactly one rotated file from the day boundary, got %d: %v", rotated, entries)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read active log: %v", err)
	}
	if !strings.Contains(string(data), "line-two") {
		t.Fatalf("expected active file to contain post-rotation line, got: %s", data)
	}
	if strings.Contains(string(data), "line-one") {
		t.Fatalf("expected pre-rotation line to have moved to the rotated file, got: %s", data)
	}
}

func TestRotatingWriterRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	cfg := config.LoggingConfig{MaxSizeMB: 0, MaxBackups: 5}
	cfg.Path = path
	cfg.MaxSizeMB = 1
	w, err := newRotatingWriter(cfg)
	if err != nil {
		t.Fatalf("newRotatingWriter returned error: %v", err)
	}
	w.maxSize = 10 // force rotation after a handful of bytes

	if _, err := w.Write([]byte("0123456789")); err != nil {
		t.Fatalf("first Write returned error: %v", err)
	}
	if _, err := w.Write([]byte("more")); err != nil {
		t.Fatalf("second Write returned error: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir returned error: %v", err)
	}
	var rotated int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "app.log.") {
			rotated++
		}
	}
	if rotated != 1 {
		t.Fatalf("expected one rotated file from the size threshold, got %d: %v", rotated, entries)
	}
}

func TestLoggerWithPreservesParentFields(t *testing.T) {
	base := NewTestLogger().With(String("service", "nostr-archiver"))
	derived := base.With(String("peer", "peer-a"))
	if derived.fields["service"] != "nostr-archiver" {
		t.Fatal("expected derived logger to inherit parent fields")
	}
	if derived.fields["peer"] != "peer-a" {
		t.Fatal("expected derived logger to carry its own new field")
	}
}

func TestLogPayloadIsValidJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := config.LoggingConfig{Level: "debug", Path: filepath.Join(dir, "app.log"), MaxSizeMB: 1, MaxBackups: 1}
	log, err := New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer log.Sync()

	log.Named("ingest").Info("event accepted", String("id", "aa"))

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	var payload map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &payload); err != nil {
		t.Fatalf("log line is not valid JSON: %v", err)
	}
	if payload[ComponentField] != "ingest" {
		t.Fatalf("component = %v, want ingest", payload[ComponentField])
	}
}
