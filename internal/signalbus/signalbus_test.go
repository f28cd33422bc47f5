package signalbus

import (
	"testing"
	"time"
)

func TestFireWakesWaiter(t *testing.T) {
	b := New()
	done := make(chan Outcome, 1)
	go func() {
		done <- b.Wait("commandAck:abc", time.Second)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Fire("commandAck:abc", "acked")

	out := <-done
	if out.Timeout {
		t.Fatal("expected a payload, got timeout")
	}
	if out.Payload != "acked" {
		t.Errorf("payload = %v, want 'acked'", out.Payload)
	}
}

func TestWaitTimesOutWithNoFire(t *testing.T) {
	b := New()
	out := b.Wait("never-fired", 20*time.Millisecond)
	if !out.Timeout {
		t.Fatal("expected timeout, got a payload")
	}
}

func TestLateFireIsObservedWithinLatchWindow(t *testing.T) {
	b := New()
	b.latchWindow = 200 * time.Millisecond

	b.Fire("commandAck:xyz", "acked-early")

	out := b.Wait("commandAck:xyz", time.Second)
	if out.Timeout {
		t.Fatal("expected latched payload, got timeout")
	}
	if out.Payload != "acked-early" {
		t.Errorf("payload = %v, want 'acked-early'", out.Payload)
	}
}

func TestBroadcastToMultipleWaiters(t *testing.T) {
	b := New()
	n := 5
	results := make(chan Outcome, n)
	for i := 0; i < n; i++ {
		go func() {
			results <- b.Wait("multi", time.Second)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	b.Fire("multi", 42)

	for i := 0; i < n; i++ {
		out := <-results
		if out.Timeout || out.Payload != 42 {
			t.Errorf("waiter %d got %+v, want payload 42", i, out)
		}
	}
}
