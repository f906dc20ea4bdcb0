package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/etabli/dbopen"
	"github.com/hazyhaar/etabli/faults"
)

func setupEventDB(t *testing.T) *EventLogger {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewEventLogger(db, 16)
}

func TestEventLogger_RecordAndRecent(t *testing.T) {
	// WHAT: Recorded events are persisted on Close and queryable by stage.
	// WHY: The event log is how operators see what each stage did.
	l := setupEventDB(t)
	l.Record(NewEvent("infer", "", map[string]int{"added": 2}, nil, 3*time.Millisecond))
	l.Record(NewEvent("feed", "map-1", nil, faults.Upstream("complete", errors.New("quota")), time.Second))
	l.Close()

	events, err := l.Recent(context.Background(), "feed", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	e := events[0]
	if e.Status != StatusError || e.ErrorKind != string(faults.KindUpstream) || e.Subject != "map-1" {
		t.Fatalf("event = %+v", e)
	}
	if e.Duration != time.Second {
		t.Fatalf("duration = %v, want 1s", e.Duration)
	}

	all, err := l.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d events, want 2", len(all))
	}
}

func TestEventLogger_Details(t *testing.T) {
	l := setupEventDB(t)
	done := l.Track("infer", "")
	done(map[string]int{"added": 1}, nil)
	l.Close()

	events, err := l.Recent(context.Background(), "infer", 1)
	if err != nil || len(events) != 1 {
		t.Fatalf("recent = %v, %v", events, err)
	}
	if got, want := events[0].Details, `{"added":1}`; got != want {
		t.Fatalf("details = %q, want %q", got, want)
	}
}

func TestEventLogger_NilSafe(t *testing.T) {
	// WHAT: A nil logger accepts events silently.
	// WHY: Components run without an event log in tests and one-shot CLI runs.
	var l *EventLogger
	l.Record(NewEvent("infer", "", nil, nil, 0))
	l.Track("infer", "")(nil, nil)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestEventLogger_Cleanup(t *testing.T) {
	l := setupEventDB(t)
	old := NewEvent("infer", "", nil, nil, 0)
	old.CreatedAt = time.Now().AddDate(0, 0, -40)
	l.Record(old)
	l.Record(NewEvent("infer", "", nil, nil, 0))
	l.Close()

	n, err := l.Cleanup(context.Background(), 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
}
