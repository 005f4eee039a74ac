// Package events publishes workflow lifecycle events for dashboards and
// other listeners. Publishing is best effort: a failed publish is logged and
// never fails the workflow.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Kind groups events by workflow.
type Kind string

const (
	KindBuild      Kind = "build"
	KindRepository Kind = "repository"
)

// Phase is a step in an instance's lifecycle.
type Phase string

const (
	PhaseStarted   Phase = "started"
	PhaseCached    Phase = "cached"
	PhaseCreated   Phase = "created"
	PhaseReady     Phase = "ready"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseDestroyed Phase = "destroyed"
)

// Event is the JSON payload published for each phase.
type Event struct {
	RunID    string    `json:"run_id"`
	Kind     Kind      `json:"-"`
	Target   string    `json:"target,omitempty"`
	Instance string    `json:"instance,omitempty"`
	Address  string    `json:"address,omitempty"`
	Phase    Phase     `json:"phase"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Subject is the NATS subject for e, e.g. crate.build.ready.
func (e Event) Subject() string {
	return fmt.Sprintf("crate.%s.%s", e.Kind, e.Phase)
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error { return nil }

// NATSPublisher publishes events on a core NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher connects to url. The connection reconnects in the
// background for the lifetime of the command.
func NewNATSPublisher(url string, logger *slog.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("crate"),
		nats.Timeout(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.nc.Publish(e.Subject(), payload)
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	err := p.nc.Drain()
	p.nc.Close()
	return err
}

// Emitter stamps events with a run id and swallows publish failures.
type Emitter struct {
	Publisher Publisher
	RunID     string
	Logger    *slog.Logger
	Now       func() time.Time
}

// NewEmitter returns an emitter with a fresh run id.
func NewEmitter(publisher Publisher, logger *slog.Logger) *Emitter {
	return &Emitter{Publisher: publisher, RunID: uuid.NewString(), Logger: logger}
}

// Emit publishes e after filling in the run id and timestamp.
func (m *Emitter) Emit(ctx context.Context, e Event) {
	if m == nil || m.Publisher == nil {
		return
	}
	e.RunID = m.RunID
	if m.Now != nil {
		e.At = m.Now()
	} else {
		e.At = time.Now().UTC()
	}
	if err := m.Publisher.Publish(ctx, e); err != nil {
		logger := m.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("publish event failed", "subject", e.Subject(), "error", err)
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
