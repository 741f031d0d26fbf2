package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelay(t *testing.T) {
	if d := Delay(0); d != InitialDelay {
		t.Errorf("attempt 0: got %v", d)
	}
	if d := Delay(2); d != 4*InitialDelay {
		t.Errorf("attempt 2: got %v", d)
	}
	// the delay is capped
	if d := Delay(100); d != MaxDelay {
		t.Errorf("attempt 100: got %v", d)
	}
}

func TestDoSucceedsAfterFailures(t *testing.T) {
	var calls int

	err := Do(context.Background(), 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Errorf("err:%e", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	cause := errors.New("down")

	err := Do(context.Background(), 2, func() error { return cause })
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %e", err)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Do(ctx, 0, func() error { return errors.New("down") })
	if err == nil {
		t.Errorf("expected an error once the context expired")
	}
}
