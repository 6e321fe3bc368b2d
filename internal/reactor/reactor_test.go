package reactor

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/logger"
)

func newTestLogger(t *testing.T) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(io.Discard),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix("reactor_test"),
	)
	if err != nil {
		t.Fatalf("logger.New(): %v", err)
	}
	return lg
}

func TestPostRunsOnReactorGoroutine(t *testing.T) {
	r, err := New(newTestLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	var mu sync.Mutex
	var onThread []bool
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Post(func() {
				mu.Lock()
				onThread = append(onThread, r.OnReactorThread())
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(onThread)
		mu.Unlock()
		if n == 50 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for all events to run, got %d/50", n)
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	for i, v := range onThread {
		if !v {
			t.Fatalf("event %d did not observe OnReactorThread() == true", i)
		}
	}
	mu.Unlock()

	if r.OnReactorThread() {
		t.Fatalf("OnReactorThread should be false once no event is executing")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestAssertOnReactorThreadPanicsOffReactor(t *testing.T) {
	r, err := New(newTestLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected AssertOnReactorThread to panic")
		}
	}()
	r.AssertOnReactorThread()
}
