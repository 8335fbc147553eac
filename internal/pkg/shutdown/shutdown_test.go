package shutdown

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"tilefarm/internal/pkg/logger"
)

func newTestLogger() *logger.Logger {
	var buf bytes.Buffer
	return logger.New(logger.Config{Level: "debug", Format: "json", Output: &buf})
}

func TestNewManager(t *testing.T) {
	t.Run("with default timeout", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 0)
		if mgr.timeout != 30*time.Second {
			t.Errorf("expected default 30s, got %s", mgr.timeout)
		}
	})

	t.Run("with nil logger", func(t *testing.T) {
		if NewManager(nil, time.Second) == nil {
			t.Fatal("expected manager to be non-nil")
		}
	})
}

func TestRegister(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	mgr.Register("redis", func(ctx context.Context) error { return nil })

	if len(mgr.handlers) != 1 {
		t.Fatalf("expected 1 handler, got %d", len(mgr.handlers))
	}
	if mgr.handlers[0].Name != "redis" {
		t.Errorf("expected handler name 'redis', got %s", mgr.handlers[0].Name)
	}
}

func TestRegisterSimple(t *testing.T) {
	mgr := NewManager(newTestLogger(), 5*time.Second)

	var called bool
	mgr.RegisterSimple("simple", func() { called = true })

	if err := mgr.Shutdown(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected simple handler to be called")
	}
}

func TestShutdown(t *testing.T) {
	t.Run("runs handlers in LIFO order", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)

		var order []string
		for _, name := range []string{"postgres", "workers", "http-server"} {
			name := name
			mgr.Register(name, func(ctx context.Context) error {
				order = append(order, name)
				return nil
			})
		}

		if err := mgr.Shutdown(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		want := []string{"http-server", "workers", "postgres"}
		if fmt.Sprint(order) != fmt.Sprint(want) {
			t.Errorf("expected order %v, got %v", want, order)
		}
	})

	t.Run("joins handler errors and keeps going", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)

		var ranFirst bool
		mgr.Register("first", func(ctx context.Context) error {
			ranFirst = true
			return nil
		})
		mgr.Register("broken", func(ctx context.Context) error {
			return fmt.Errorf("close failed")
		})

		err := mgr.Shutdown()
		if err == nil || err.Error() != "close failed" {
			t.Errorf("expected joined error, got %v", err)
		}
		if !ranFirst {
			t.Error("expected remaining handlers to run after a failure")
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)

		calls := 0
		mgr.RegisterSimple("count", func() { calls++ })

		_ = mgr.Shutdown()
		_ = mgr.Shutdown()

		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("closes done channel", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 5*time.Second)
		_ = mgr.Shutdown()

		select {
		case <-mgr.Done():
		case <-time.After(time.Second):
			t.Error("expected done channel to be closed")
		}
	})

	t.Run("skips handlers after timeout", func(t *testing.T) {
		mgr := NewManager(newTestLogger(), 20*time.Millisecond)

		skipped := true
		mgr.RegisterSimple("never", func() { skipped = false })
		mgr.Register("slow", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})

		if err := mgr.Shutdown(); err == nil {
			t.Error("expected timeout error")
		}
		if !skipped {
			t.Error("expected handler after timeout to be skipped")
		}
	})
}

func TestContext(t *testing.T) {
	mgr := NewManager(newTestLogger(), time.Second)
	ctx := mgr.Context()

	_ = mgr.Shutdown()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("expected context to be canceled after shutdown")
	}
}

func TestWaitWithContext(t *testing.T) {
	mgr := NewManager(newTestLogger(), time.Second)

	var called bool
	mgr.RegisterSimple("cleanup", func() { called = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := mgr.WaitWithContext(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("expected cleanup to run when context is canceled")
	}
}
