package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow   = errors.New("overflow")
	errHandleFail = errors.New("handle fail")
)

// TestAsyncSuccess verifies items are handled and hooks fire.
func TestAsyncSuccess(t *testing.T) {
	var handled atomic.Int64
	var after atomic.Int64
	ax := NewAsync(context.Background(), 4, func(int) error {
		handled.Add(1)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for i := 0; i < 3; i++ {
		if err := ax.Enqueue(i); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && handled.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if handled.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 handled & after, got handled=%d after=%d", handled.Load(), after.Load())
	}
}

// TestAsyncPreservesOrder checks the single worker keeps enqueue order.
func TestAsyncPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	ax := NewAsync(context.Background(), 256, func(v int) error {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 200 {
			close(done)
		}
		return nil
	}, Hooks{})
	defer ax.Close()
	for i := 0; i < 200; i++ {
		if err := ax.Enqueue(i); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("order broken at %d: got %d", i, v)
		}
	}
}

// TestAsyncOverflow ensures OnDrop is invoked when buffer full.
func TestAsyncOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	ax := NewAsync(ctx, 1, func(int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	defer close(release)
	if err := ax.Enqueue(1); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	<-started // worker holds item 1
	if err := ax.Enqueue(2); err != nil {
		t.Fatalf("unexpected error enqueue second: %v", err)
	}
	if err := ax.Enqueue(3); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

// TestAsyncHandleError triggers OnError hook.
func TestAsyncHandleError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsync(context.Background(), 2, func(int) error { return errHandleFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.Enqueue(0)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestAsyncEnqueueAfterClose(t *testing.T) {
	ax := NewAsync(context.Background(), 2, func(int) error { return nil }, Hooks{})
	ax.Close()
	ax.Close() // idempotent
	if err := ax.Enqueue(123); !errors.Is(err, ErrAsyncClosed) {
		t.Fatalf("expected ErrAsyncClosed, got %v", err)
	}
}

func TestAsyncCloseConcurrentEnqueue(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsync(context.Background(), 1, func(int) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.Enqueue(i)
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncClosed) {
			t.Fatalf("iteration %d: unexpected enqueue error %v", i, err)
		}
	}
}
