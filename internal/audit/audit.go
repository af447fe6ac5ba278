// Package audit provides the append-only event stream consumed by external
// dashboards. Every router transition and every decision is recorded with
// its full reasoning inputs; the pipeline never reads the stream back. A
// single writer goroutine owns all appends so no cross-worker locking is
// needed around the sink.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind classifies an audit event.
type EventKind string

const (
	KindRouterTransition EventKind = "router_transition"
	KindDecision         EventKind = "decision"
	KindCaptureState     EventKind = "capture_state"
	KindAlert            EventKind = "alert"
)

// Event is one append-only audit row.
type Event struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"kind"`
	CaptureID string          `json:"capture_id"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// Sink persists audit events. Implemented by the store.
type Sink interface {
	AppendAuditEvent(ctx context.Context, ev Event) error
}

// Log is the process-wide audit writer.
type Log struct {
	sink Sink
	ch   chan Event
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewLog starts the writer goroutine. buffer bounds how many events may be
// queued before appenders block; audit events are never dropped.
func NewLog(sink Sink, buffer int) *Log {
	if buffer <= 0 {
		buffer = 256
	}
	l := &Log{
		sink: sink,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Log) run() {
	defer close(l.done)
	for ev := range l.ch {
		// The sink owns durability; a failed append is logged loudly but
		// must not wedge the writer.
		if err := l.sink.AppendAuditEvent(context.Background(), ev); err != nil {
			zap.L().Error("audit: append failed",
				zap.String("event_id", ev.ID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err),
			)
		}
	}
}

// Append records one event. payload is marshaled as the event body; it
// must carry the full reasoning inputs, not just the verdict.
func (l *Log) Append(kind EventKind, captureID string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("audit: marshal payload", zap.Error(err))
		body = []byte(`{}`)
	}

	ev := Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		CaptureID: captureID,
		Payload:   body,
		At:        time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		zap.L().Warn("audit: append after close", zap.String("kind", string(kind)))
		return
	}
	l.ch <- ev
}

// Close flushes queued events and stops the writer.
func (l *Log) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.ch)
	<-l.done
}
