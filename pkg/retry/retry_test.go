package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errNetwork = errors.New("connection reset")

func fastConfig(attempts int) Config {
	return Config{Attempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	retries := 0
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) { retries++ }

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errNetwork
		}
		return nil
	})

	if err != nil {
		t.Fatalf("ожидался успех, получено %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Errorf("calls=%d retries=%d, ожидалось 3 и 2", calls, retries)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(4), func(ctx context.Context) error {
		calls++
		return errNetwork
	})

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("ожидался ExhaustedError, получено %T %v", err, err)
	}
	if ex.Attempts != 4 || calls != 4 {
		t.Errorf("Attempts=%d calls=%d, ожидалось 4", ex.Attempts, calls)
	}
	if !errors.Is(err, errNetwork) {
		t.Error("ExhaustedError должен разворачиваться в исходную ошибку")
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	rejected := errors.New("insufficient margin")
	err := Do(context.Background(), fastConfig(5), func(ctx context.Context) error {
		calls++
		return Permanent(rejected)
	})

	if calls != 1 {
		t.Errorf("calls=%d, неповторяемая ошибка не должна повторяться", calls)
	}
	if !errors.Is(err, rejected) || !IsPermanent(err) {
		t.Errorf("ожидалась Permanent(rejected), получено %v", err)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, fastConfig(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	if calls != 0 {
		t.Error("операция не должна вызываться с отменённым контекстом")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ожидалась context.Canceled, получено %v", err)
	}
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(2), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errNetwork
		}
		return 42, nil
	})
	if err != nil || v != 42 {
		t.Errorf("v=%d err=%v", v, err)
	}
}

func TestConfig_Delay(t *testing.T) {
	cfg := Config{Attempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 300 * time.Millisecond}, // ограничено MaxDelay
		{5, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errNetwork, true},
		{"permanent", Permanent(errNetwork), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable = %v, want %v", got, tt.want)
			}
		})
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) должен вернуть nil")
	}
}

func TestLegConfig(t *testing.T) {
	cfg := LegConfig(3, 10*time.Millisecond, time.Second)
	if cfg.Attempts != 3 || cfg.Multiplier != 2 {
		t.Errorf("неожиданная конфигурация: %+v", cfg)
	}
}
