package cancel

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"
)

func TestToken_CancelOnce(t *testing.T) {
	tok := New()
	if tok.IsCancelled() {
		t.Fatal("new token should not be cancelled")
	}
	if err := tok.ThrowIfCancelled(); err != nil {
		t.Fatalf("ThrowIfCancelled() = %v, want nil", err)
	}

	tok.Cancel("first")
	tok.Cancel("second")

	if !tok.IsCancelled() {
		t.Fatal("token should be cancelled")
	}
	if got := tok.Reason(); got != "first" {
		t.Errorf("Reason() = %q, want %q", got, "first")
	}
	if err := tok.ThrowIfCancelled(); !errors.Is(err, ErrCancelled) {
		t.Errorf("ThrowIfCancelled() = %v, want ErrCancelled", err)
	}
}

func TestToken_ConcurrentCancel(t *testing.T) {
	tok := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Cancel("race")
		}()
	}
	wg.Wait()

	select {
	case <-tok.Done():
	default:
		t.Fatal("Done() should be closed after Cancel")
	}
}

func TestTimeout(t *testing.T) {
	tok := Timeout(20*time.Millisecond, "")
	select {
	case <-tok.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timeout token never cancelled")
	}
	if tok.Reason() == "" {
		t.Error("timeout token should carry a default reason")
	}
}

func TestCombine(t *testing.T) {
	a, b := New(), New()
	c := Combine(a, b)
	if c.IsCancelled() {
		t.Fatal("combined token cancelled too early")
	}

	b.Cancel("b stopped")
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("combined token did not follow input")
	}
	if got := c.Reason(); got != "b stopped" {
		t.Errorf("Reason() = %q, want %q", got, "b stopped")
	}
}

func TestCombine_AlreadyCancelled(t *testing.T) {
	a := New()
	a.Cancel("early")
	c := Combine(New(), a)
	if !c.IsCancelled() || c.Reason() != "early" {
		t.Errorf("Combine() = cancelled:%v reason:%q", c.IsCancelled(), c.Reason())
	}
}

func TestWithContext(t *testing.T) {
	tok := New()
	ctx, stop := tok.WithContext(context.Background())
	defer stop()

	tok.Cancel("shutdown")
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled with token")
	}
	if !errors.Is(context.Cause(ctx), ErrCancelled) {
		t.Errorf("context.Cause() = %v, want ErrCancelled", context.Cause(ctx))
	}
}

func TestCombine_Release(t *testing.T) {
	a := New()
	before := runtime.NumGoroutine()
	c := Combine(a, New(), New())
	c.Release()
	c.Release()

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := runtime.NumGoroutine(); n > before {
		t.Errorf("goroutines after Release = %d, want <= %d", n, before)
	}

	a.Cancel("late")
	time.Sleep(20 * time.Millisecond)
	if c.IsCancelled() {
		t.Error("released token should no longer follow its inputs")
	}
}
