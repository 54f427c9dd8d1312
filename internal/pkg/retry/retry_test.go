package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestDo(t *testing.T) {
	t.Run("succeeds first attempt", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
			calls++
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("retries transient then succeeds", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return &HTTPStatusError{StatusCode: 503, Message: "unavailable"}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("stops on non-retryable", func(t *testing.T) {
		calls := 0
		bad := &HTTPStatusError{StatusCode: 400, Message: "bad input"}
		err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
			calls++
			return bad
		})
		if !errors.Is(err, bad) {
			t.Fatalf("expected %v, got %v", bad, err)
		}
		if calls != 1 {
			t.Errorf("expected 1 call, got %d", calls)
		}
	})

	t.Run("exhausts attempts", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fastConfig(3), func(ctx context.Context) error {
			calls++
			return &HTTPStatusError{StatusCode: 500, Message: "boom"}
		})
		var exhausted *ExhaustedError
		if !errors.As(err, &exhausted) {
			t.Fatalf("expected ExhaustedError, got %v", err)
		}
		if exhausted.Attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", exhausted.Attempts)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("honors context cancellation between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		cfg := fastConfig(5)
		cfg.InitialBackoff = 50 * time.Millisecond
		errCh := make(chan error, 1)
		go func() {
			errCh <- Do(ctx, cfg, func(ctx context.Context) error {
				calls++
				return &HTTPStatusError{StatusCode: 502, Message: "flaky"}
			})
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()
		if err := <-errCh; !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"http 500", &HTTPStatusError{StatusCode: 500}, true},
		{"http 502", &HTTPStatusError{StatusCode: 502}, true},
		{"http 429", &HTTPStatusError{StatusCode: 429}, true},
		{"http 400", &HTTPStatusError{StatusCode: 400}, false},
		{"http 404", &HTTPStatusError{StatusCode: 404}, false},
		{"conn refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"plain error", errors.New("nope"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
	}

	if got := Backoff(cfg, 1); got != 100*time.Millisecond {
		t.Errorf("attempt 1: got %v", got)
	}
	if got := Backoff(cfg, 2); got != 200*time.Millisecond {
		t.Errorf("attempt 2: got %v", got)
	}
	// attempt 5 would be 1.6s uncapped
	if got := Backoff(cfg, 5); got != time.Second {
		t.Errorf("attempt 5 should cap at max: got %v", got)
	}

	cfg.Jitter = 0.1
	for i := 0; i < 20; i++ {
		got := Backoff(cfg, 2)
		if got < 180*time.Millisecond || got > 220*time.Millisecond {
			t.Fatalf("jittered backoff out of band: %v", got)
		}
	}
}
