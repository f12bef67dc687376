package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func TestTriggerIsIdempotent(t *testing.T) {
	c := New(context.Background())

	if !c.Trigger("first") {
		t.Fatal("first Trigger should report true")
	}
	if c.Trigger("second") {
		t.Fatal("second Trigger should report false")
	}
	if c.Reason() != "first" {
		t.Fatalf("Reason = %q, want first", c.Reason())
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed after Trigger")
	}
}

func TestEveryReceiverObservesShutdown(t *testing.T) {
	c := New(context.Background())

	const receivers = 5
	var woke atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < receivers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-c.Done()
			woke.Add(1)
		}()
	}

	c.Trigger("test")
	c.Trigger("test again")

	waitOrFail(t, &wg, time.Second)
	if woke.Load() != receivers {
		t.Fatalf("woke %d receivers, want %d", woke.Load(), receivers)
	}
}

func TestOnShutdownRunsOnce(t *testing.T) {
	c := New(context.Background())

	var calls atomic.Int32
	ran := make(chan struct{})
	c.OnShutdown(func() {
		calls.Add(1)
		close(ran)
	})

	c.Trigger("a")
	c.Trigger("b")

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("OnShutdown callback did not run")
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("callback ran %d times, want 1", calls.Load())
	}
}

func TestOnShutdownDeregister(t *testing.T) {
	c := New(context.Background())

	var calls atomic.Int32
	stop := c.OnShutdown(func() { calls.Add(1) })
	if !stop() {
		t.Fatal("stop should deregister a callback that has not run")
	}

	c.Trigger("done")
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatal("deregistered callback ran")
	}
}

func TestParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	c := New(parent)
	cancel()

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("coordinator did not follow parent cancellation")
	}
	if c.Reason() != "parent context cancelled" {
		t.Fatalf("Reason = %q", c.Reason())
	}
	if c.Trigger("late") {
		t.Fatal("Trigger after parent cancellation should report false")
	}
}

func TestNotifyOnSignal(t *testing.T) {
	c := New(context.Background())
	stop := c.NotifyOnSignal(syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("failed to send signal: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("signal did not trigger shutdown")
	}
	if c.Reason() != "signal: user defined signal 1" {
		t.Fatalf("Reason = %q", c.Reason())
	}
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for receivers")
	}
}
