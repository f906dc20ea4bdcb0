// Package observability records pipeline stage runs in SQLite.
//
// Persistence is async: events are queued on a buffered channel and flushed
// in batches. A full buffer falls back to a synchronous insert so that no
// event is lost, and a failing insert is logged without reaching the caller.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/etabli/faults"
	"github.com/hazyhaar/etabli/idgen"
)

// Event statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Event is one stage run, or one cluster within a stage.
type Event struct {
	EventID      string
	Stage        string // "infer", "feed", "enrich", "ingest_initiatives", "ingest_tools", "ask", "export"
	Subject      string // cluster or session id, empty for whole-stage events
	Status       string
	ErrorKind    string
	ErrorMessage string
	Details      string // JSON
	Duration     time.Duration
	CreatedAt    time.Time
}

// EventLogger persists pipeline events asynchronously.
type EventLogger struct {
	db     *sql.DB
	logger *slog.Logger
	newID  idgen.Generator
	ch     chan *Event
	stop   chan struct{}
	done   chan struct{}
}

// Option configures an EventLogger.
type Option func(*EventLogger)

// WithIDGenerator sets a custom ID generator for event IDs.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *EventLogger) { l.newID = gen }
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *EventLogger) { l.logger = logger }
}

// NewEventLogger starts the flush goroutine. Recommended bufferSize: 256.
func NewEventLogger(db *sql.DB, bufferSize int, opts ...Option) *EventLogger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	l := &EventLogger{
		db:     db,
		logger: slog.Default(),
		newID:  idgen.Prefixed("evt_", idgen.Default),
		ch:     make(chan *Event, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// NewEvent builds an event from the outcome of a stage. details is
// marshalled to JSON; err sets the error status and its fault kind.
func NewEvent(stage, subject string, details any, err error, d time.Duration) *Event {
	e := &Event{
		Stage:    stage,
		Subject:  subject,
		Status:   StatusSuccess,
		Duration: d,
	}
	if details != nil {
		if b, merr := json.Marshal(details); merr == nil {
			e.Details = string(b)
		}
	}
	if err != nil {
		e.Status = StatusError
		e.ErrorKind = string(faults.KindOf(err))
		e.ErrorMessage = err.Error()
	}
	return e
}

// Record queues an event. Nil-safe so callers can run without an event log.
func (l *EventLogger) Record(e *Event) {
	if l == nil || e == nil {
		return
	}
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("observability: event buffer full, sync fallback", "stage", e.Stage)
		if err := l.insert(context.Background(), l.db, e); err != nil {
			l.logger.Error("observability: sync fallback failed", "error", err)
		}
	}
}

// Track returns a function that records the stage outcome when called,
// measuring the time elapsed since Track.
func (l *EventLogger) Track(stage, subject string) func(details any, err error) {
	start := time.Now()
	return func(details any, err error) {
		l.Record(NewEvent(stage, subject, details, err, time.Since(start)))
	}
}

// Recent returns the latest events of stage, newest first. Empty stage
// means every stage.
func (l *EventLogger) Recent(ctx context.Context, stage string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT event_id, stage, subject, status, error_kind, error_message,
		details, duration_ms, created_at FROM pipeline_events`
	var args []any
	if stage != "" {
		q += ` WHERE stage = ?`
		args = append(args, stage)
	}
	q += ` ORDER BY created_at DESC, event_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var durationMs, createdAt int64
		if err := rows.Scan(&e.EventID, &e.Stage, &e.Subject, &e.Status,
			&e.ErrorKind, &e.ErrorMessage, &e.Details, &durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retentionDays.
func (l *EventLogger) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	res, err := l.db.ExecContext(ctx, `DELETE FROM pipeline_events WHERE created_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the buffer and stops the flush goroutine.
func (l *EventLogger) Close() error {
	if l == nil {
		return nil
	}
	close(l.stop)
	<-l.done
	return nil
}

func (l *EventLogger) fillDefaults(e *Event) {
	if e.EventID == "" {
		e.EventID = l.newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	if e.Details == "" {
		e.Details = "{}"
	}
}

func (l *EventLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	batch := make([]*Event, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			l.logger.Error("observability: begin tx", "error", err)
			return
		}
		for _, e := range batch {
			if err := l.insert(ctx, tx, e); err != nil {
				l.logger.Error("observability: insert", "error", err, "event_id", e.EventID)
			}
		}
		if err := tx.Commit(); err != nil {
			l.logger.Error("observability: commit", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= 64 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *EventLogger) insert(ctx context.Context, x execer, e *Event) error {
	_, err := x.ExecContext(ctx, `INSERT INTO pipeline_events
		(event_id, stage, subject, status, error_kind, error_message, details, duration_ms, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		e.EventID, e.Stage, e.Subject, e.Status, e.ErrorKind, e.ErrorMessage,
		e.Details, e.Duration.Milliseconds(), e.CreatedAt.UnixMilli())
	return err
}
