package store

import (
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := New(db, zerolog.Nop())
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestRecordStartThenEndRoundTrips(t *testing.T) {
	s := newTestStore(t)

	id := s.RecordStart(42, "/media/show.mp3", SourceQueue)
	if id == 0 {
		t.Fatalf("expected a non-zero record id")
	}

	s.RecordEnd(id)

	records, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].EndedAt == nil {
		t.Fatalf("expected EndedAt to be set after RecordEnd")
	}
	if records[0].Path != "/media/show.mp3" || records[0].Source != SourceQueue {
		t.Fatalf("unexpected record contents: %+v", records[0])
	}
}

func TestRecordEndIgnoresZeroID(t *testing.T) {
	s := newTestStore(t)
	s.RecordEnd(0) // must not panic or touch the table

	records, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no records, got %d", len(records))
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	s.RecordStart(1, "/media/a.mp3", SourceRandom)
	s.RecordStart(2, "/media/b.mp3", SourceFallback)

	records, err := s.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Path != "/media/b.mp3" {
		t.Fatalf("expected most recently started record first, got %q", records[0].Path)
	}
}
