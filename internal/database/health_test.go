package database

import (
	"context"
	"errors"
	"testing"
	"time"
)

type pingFn func(ctx context.Context) error

func (f pingFn) Ping(ctx context.Context) error { return f(ctx) }

func TestCheckHealth(t *testing.T) {
	t.Run("applies a deadline to the ping", func(t *testing.T) {
		err := CheckHealth(context.Background(), pingFn(func(ctx context.Context) error {
			deadline, ok := ctx.Deadline()
			if !ok {
				t.Fatal("expected ping context to carry a deadline")
			}
			if time.Until(deadline) > healthTimeout {
				t.Errorf("expected deadline within %s", healthTimeout)
			}
			return nil
		}))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
	})

	t.Run("propagates ping failures", func(t *testing.T) {
		down := errors.New("connection refused")
		err := CheckHealth(context.Background(), pingFn(func(context.Context) error { return down }))
		if !errors.Is(err, down) {
			t.Errorf("expected %v, got %v", down, err)
		}
	})
}
