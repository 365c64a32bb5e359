package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "gigbot/pkg/logx"
)

func startedService(t *testing.T) *Service {
	t.Helper()
	s := New(Config{Workers: 2, QueueSize: 16}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
		cancel()
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAddOnceRunsJob(t *testing.T) {
	s := startedService(t)
	var ran atomic.Int32

	err := s.AddOnce("job", time.Now().Add(20*time.Millisecond), 0, func(context.Context) error {
		ran.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("add once: %v", err)
	}
	if !s.Pending("job") {
		t.Fatal("job should be pending before it fires")
	}
	waitFor(t, 2*time.Second, func() bool { return ran.Load() == 1 })
	waitFor(t, 2*time.Second, func() bool { return !s.Pending("job") })
}

// Re-adding a name replaces the pending timer; the superseded job must not run.
func TestAddOnceReplacesByName(t *testing.T) {
	s := startedService(t)
	var stale, fresh atomic.Int32

	if err := s.AddOnce("job", time.Now().Add(30*time.Millisecond), 0, func(context.Context) error {
		stale.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add once: %v", err)
	}
	if err := s.AddOnce("job", time.Now().Add(50*time.Millisecond), 0, func(context.Context) error {
		fresh.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("re-add once: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return fresh.Load() == 1 })
	time.Sleep(100 * time.Millisecond)
	if got := stale.Load(); got != 0 {
		t.Fatalf("superseded job ran %d times", got)
	}
}

func TestRemoveStopsPendingJob(t *testing.T) {
	s := startedService(t)
	var ran atomic.Int32

	if err := s.AddOnce("doomed", time.Now().Add(40*time.Millisecond), 0, func(context.Context) error {
		ran.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add once: %v", err)
	}
	if !s.Remove("doomed") {
		t.Fatal("remove reported nothing to remove")
	}
	if s.Pending("doomed") {
		t.Fatal("job still pending after remove")
	}
	time.Sleep(120 * time.Millisecond)
	if got := ran.Load(); got != 0 {
		t.Fatalf("removed job ran %d times", got)
	}

	if s.Remove("doomed") {
		t.Fatal("second remove should report false")
	}
}

func TestAddIntervalTicks(t *testing.T) {
	s := startedService(t)
	var ticks atomic.Int32

	if err := s.AddInterval("tick", 50*time.Millisecond, 0, func(context.Context) error {
		ticks.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add interval: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return ticks.Load() >= 2 })

	if !s.Remove("tick") {
		t.Fatal("remove reported nothing to remove")
	}
	settled := ticks.Load()
	time.Sleep(200 * time.Millisecond)
	// One in-flight tick may still land right after removal.
	if ticks.Load() > settled+1 {
		t.Fatalf("interval kept firing after remove: %d -> %d", settled, ticks.Load())
	}
}

// An interval added before Start must register once the service starts.
func TestAddIntervalBeforeStart(t *testing.T) {
	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop())
	var ticks atomic.Int32
	if err := s.AddInterval("early", 50*time.Millisecond, 0, func(context.Context) error {
		ticks.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("add interval: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		s.Stop(stopCtx)
	}()

	waitFor(t, 3*time.Second, func() bool { return ticks.Load() >= 1 })
}

func TestHistoryRecordsRuns(t *testing.T) {
	s := startedService(t)
	if err := s.AddOnce("remembered", time.Now(), 0, func(context.Context) error {
		return nil
	}); err != nil {
		t.Fatalf("add once: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		for _, h := range s.History() {
			if h.Name == "remembered" && h.Error == "" {
				return true
			}
		}
		return false
	})
}

func TestAddValidation(t *testing.T) {
	s := New(Config{}, logx.Nop())
	if err := s.AddInterval("", time.Second, 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for empty interval name")
	}
	if err := s.AddInterval("x", 0, 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for non-positive period")
	}
	if err := s.AddOnce("", time.Now(), 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for empty one-shot name")
	}
	if err := s.AddOnce("x", time.Time{}, 0, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected error for zero time")
	}
}
