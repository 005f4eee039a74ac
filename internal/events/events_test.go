package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/crate/internal/logging"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("no route")
}

func (f *failingPublisher) Close() error { return nil }

func TestSubject(t *testing.T) {
	t.Parallel()

	e := Event{Kind: KindRepository, Phase: PhaseReady}
	if got := e.Subject(); got != "crate.repository.ready" {
		t.Fatalf("Subject() = %q", got)
	}
}

func TestEventPayload(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := json.Marshal(Event{
		RunID:    "r",
		Kind:     KindBuild,
		Target:   "deb ubuntu-22.04 x86_64 default abc",
		Instance: "abc-ubuntu-22.04-x86_64-default",
		Phase:    PhaseFailed,
		Error:    "boom",
		At:       at,
	})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	for _, key := range []string{"run_id", "target", "instance", "phase", "error", "at"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("payload missing %q: %s", key, data)
		}
	}
	if _, ok := decoded["address"]; ok {
		t.Fatalf("empty address should be omitted: %s", data)
	}
}

func TestEmitterStampsRunID(t *testing.T) {
	t.Parallel()

	rec := &Recorder{}
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	em := NewEmitter(rec, logging.Discard())
	em.Now = func() time.Time { return at }

	em.Emit(context.Background(), Event{Kind: KindBuild, Phase: PhaseStarted})
	em.Emit(context.Background(), Event{Kind: KindBuild, Phase: PhaseSucceeded})

	got := rec.Events()
	if len(got) != 2 {
		t.Fatalf("recorded %d events, want 2", len(got))
	}
	if _, err := uuid.Parse(got[0].RunID); err != nil {
		t.Fatalf("run id %q is not a uuid: %v", got[0].RunID, err)
	}
	if got[0].RunID != got[1].RunID || !got[1].At.Equal(at) {
		t.Fatalf("unexpected events %+v", got)
	}
}

func TestEmitterSwallowsPublishErrors(t *testing.T) {
	t.Parallel()

	pub := &failingPublisher{}
	em := NewEmitter(pub, logging.Discard())
	em.Emit(context.Background(), Event{Kind: KindBuild, Phase: PhaseStarted})
	if pub.calls != 1 {
		t.Fatalf("publisher called %d times", pub.calls)
	}

	var nilEmitter *Emitter
	nilEmitter.Emit(context.Background(), Event{})
}

func TestNewNATSPublisherUnreachable(t *testing.T) {
	t.Parallel()

	if _, err := NewNATSPublisher("nats://127.0.0.1:1", logging.Discard()); err == nil {
		t.Fatal("NewNATSPublisher() error = nil for unreachable server")
	}
}
