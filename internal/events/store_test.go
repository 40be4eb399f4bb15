package events

import (
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestStoreAppendReadAndFilters(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()

	base := time.Now().Add(-2 * time.Hour).UTC()
	seed := []Event{
		{Timestamp: base, SessionID: "a", Connection: "ana@gpu1:22", EventType: StartRequested},
		{Timestamp: base.Add(10 * time.Minute), SessionID: "a", Connection: "ana@gpu1:22", EventType: StartSucceeded},
		{Timestamp: base.Add(20 * time.Minute), SessionID: "b", Connection: "bo@gpu2:22", EventType: StartFailed},
	}
	for _, evt := range seed {
		if err := s.Append(evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	connOnly, err := s.Read(Query{Connection: "ana@gpu1:22"})
	if err != nil {
		t.Fatalf("read connection: %v", err)
	}
	if len(connOnly) != 2 {
		t.Fatalf("expected 2 gpu1 events, got %d", len(connOnly))
	}

	typed, err := s.Read(Query{EventType: StartFailed})
	if err != nil {
		t.Fatalf("read type: %v", err)
	}
	if len(typed) != 1 || typed[0].SessionID != "b" {
		t.Fatalf("unexpected typed result: %+v", typed)
	}

	limited, err := s.Read(Query{Limit: 1})
	if err != nil {
		t.Fatalf("read limit: %v", err)
	}
	if len(limited) != 1 || limited[0].SessionID != "b" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	since, err := s.Read(Query{Since: base.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 1 || since[0].SessionID != "b" {
		t.Fatalf("unexpected since result: %+v", since)
	}
}

func TestStoreReadMissingFile(t *testing.T) {
	s := NewStoreAt(filepath.Join(t.TempDir(), "none.jsonl"))
	got, err := s.Read(Query{})
	if err != nil || got != nil {
		t.Fatalf("expected empty read, got %v %v", got, err)
	}
}

func TestStoreConcurrentAppend(t *testing.T) {
	s := NewStoreAt(filepath.Join(t.TempDir(), "events.jsonl"))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Append(Event{SessionID: "s", EventType: HealthFailed})
		}()
	}
	wg.Wait()
	got, err := s.Read(Query{SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 20 {
		t.Fatalf("expected 20 intact lines, got %d", len(got))
	}
}
