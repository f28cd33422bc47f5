package nodechannel

import (
	"testing"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/signalbus"
)

func TestEnqueueThenDequeueBlockingReturnsImmediately(t *testing.T) {
	ch := New(signalbus.New(), DefaultConfig())
	cmd := &domain.Command{CommandID: "c1", Type: domain.CommandStartVM}
	if err := ch.Enqueue("node-1", cmd); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	got := ch.DequeueBlocking("node-1", 1000, 10)
	if len(got) != 1 || got[0].CommandID != "c1" {
		t.Fatalf("DequeueBlocking = %+v, want [c1]", got)
	}
	if got[0].DeliveredAt == nil {
		t.Error("expected DeliveredAt to be set")
	}
}

func TestDequeueBlockingWakesOnLateEnqueue(t *testing.T) {
	ch := New(signalbus.New(), DefaultConfig())
	done := make(chan []*domain.Command, 1)
	go func() {
		done <- ch.DequeueBlocking("node-1", 2000, 10)
	}()

	time.Sleep(20 * time.Millisecond)
	_ = ch.Enqueue("node-1", &domain.Command{CommandID: "c2", Type: domain.CommandStopVM})

	select {
	case got := <-done:
		if len(got) != 1 || got[0].CommandID != "c2" {
			t.Fatalf("got %+v, want [c2]", got)
		}
	case <-time.After(time.Second):
		t.Fatal("DequeueBlocking did not wake on enqueue")
	}
}

func TestDequeueBlockingTimesOutWithNoCommand(t *testing.T) {
	ch := New(signalbus.New(), DefaultConfig())
	got := ch.DequeueBlocking("node-empty", 30, 10)
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestEnqueueRejectsOverCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueDepth = 1
	ch := New(signalbus.New(), cfg)

	if err := ch.Enqueue("node-1", &domain.Command{CommandID: "a"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := ch.Enqueue("node-1", &domain.Command{CommandID: "b"})
	if err == nil {
		t.Fatal("expected queue-full error")
	}
	if domain.KindOf(err) != domain.KindConflict {
		t.Errorf("error kind = %v, want Conflict", domain.KindOf(err))
	}
}

func TestAcknowledgeFiresSignalExactlyOnce(t *testing.T) {
	bus := signalbus.New()
	ch := New(bus, DefaultConfig())
	cmd := &domain.Command{CommandID: "c3", RequiresAck: true}
	_ = ch.Enqueue("node-1", cmd)

	outcomeCh := make(chan signalbus.Outcome, 1)
	go func() {
		outcomeCh <- bus.Wait(domain.SignalKeyForCommandAck("c3"), time.Second)
	}()
	time.Sleep(10 * time.Millisecond)

	found, already := ch.Acknowledge("c3", domain.CommandAck{CommandID: "c3", Success: true})
	if !found || already {
		t.Fatalf("found=%v already=%v, want true/false", found, already)
	}

	out := <-outcomeCh
	outcome, ok := out.Payload.(domain.AckOutcome)
	if !ok || !outcome.Success {
		t.Fatalf("unexpected outcome payload: %+v", out)
	}

	// Re-ack within the window is a no-op that reports already-acked.
	found, already = ch.Acknowledge("c3", domain.CommandAck{CommandID: "c3", Success: true})
	if !found || !already {
		t.Fatalf("re-ack: found=%v already=%v, want true/true", found, already)
	}
}

func TestAcknowledgeUnknownCommandNotFound(t *testing.T) {
	ch := New(signalbus.New(), DefaultConfig())
	found, _ := ch.Acknowledge("nope", domain.CommandAck{})
	if found {
		t.Fatal("expected not found for unknown command")
	}
}

func TestSweepExpiredFiresExpiredOutcome(t *testing.T) {
	bus := signalbus.New()
	cfg := DefaultConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	ch := New(bus, cfg)

	cmd := &domain.Command{
		CommandID:   "c4",
		RequiresAck: true,
		QueuedAt:    time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	_ = ch.Enqueue("node-1", cmd)

	outcomeCh := make(chan signalbus.Outcome, 1)
	go func() {
		outcomeCh <- bus.Wait(domain.SignalKeyForCommandAck("c4"), time.Second)
	}()

	ch.StartExpirySweeper()
	defer ch.StopSweeper()

	out := <-outcomeCh
	outcome, ok := out.Payload.(domain.AckOutcome)
	if !ok || !outcome.Expired {
		t.Fatalf("expected expired outcome, got %+v", out)
	}
}
