package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestLimiter(t *testing.T, limits RateLimits) (*SendRateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewSendRateLimiter(client, limits), mr
}

func TestAcquire_AllowsUnderLimits(t *testing.T) {
	limiter, _ := setupTestLimiter(t, RateLimits{CallsPerSecond: 2, DailySendLimit: 100})

	allowed, wait, err := limiter.Acquire(context.Background(), 50)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !allowed {
		t.Error("first call should be allowed")
	}
	if wait != 0 {
		t.Errorf("wait = %v, want 0", wait)
	}
}

func TestAcquire_PerSecondLimit(t *testing.T) {
	limiter, _ := setupTestLimiter(t, RateLimits{CallsPerSecond: 2, DailySendLimit: 1000})

	// Calls can straddle a second boundary, so keep acquiring until a
	// window fills. With a limit of 2 that must happen within 5 tries.
	for i := 0; i < 5; i++ {
		allowed, wait, err := limiter.Acquire(context.Background(), 1)
		if err != nil {
			t.Fatalf("Acquire() error: %v", err)
		}
		if !allowed {
			if wait != time.Second {
				t.Errorf("wait = %v, want 1s (next second window)", wait)
			}
			return
		}
	}
	t.Error("per-second window never filled after 5 rapid calls with a limit of 2")
}

func TestAcquire_DailyLimit(t *testing.T) {
	limiter, _ := setupTestLimiter(t, RateLimits{CallsPerSecond: 100, DailySendLimit: 100})

	allowed, _, err := limiter.Acquire(context.Background(), 100)
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if !allowed {
		t.Fatal("first 100 messages should fit the daily limit")
	}

	allowed, _, err = limiter.Acquire(context.Background(), 1)
	if !allowed {
		if err == nil {
			t.Error("daily-limit denial should carry an error, waiting cannot help")
		}
	} else {
		t.Error("message over the daily limit should be denied")
	}
}

func TestAcquire_DenialLeavesNoResidue(t *testing.T) {
	limiter, _ := setupTestLimiter(t, RateLimits{CallsPerSecond: 100, DailySendLimit: 100})

	// Too big to ever fit; must not consume any of the day's budget.
	allowed, _, _ := limiter.Acquire(context.Background(), 150)
	if allowed {
		t.Fatal("oversized batch should be denied")
	}

	usage, err := limiter.CurrentUsage(context.Background())
	if err != nil {
		t.Fatalf("CurrentUsage() error: %v", err)
	}
	if usage != 0 {
		t.Errorf("usage = %d after denial, want 0", usage)
	}

	allowed, _, err = limiter.Acquire(context.Background(), 100)
	if err != nil || !allowed {
		t.Errorf("full daily budget should still be available (allowed=%v, err=%v)", allowed, err)
	}
}

func TestCurrentUsage(t *testing.T) {
	limiter, _ := setupTestLimiter(t, RateLimits{CallsPerSecond: 100, DailySendLimit: 1000})

	if _, _, err := limiter.Acquire(context.Background(), 30); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if _, _, err := limiter.Acquire(context.Background(), 20); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	usage, err := limiter.CurrentUsage(context.Background())
	if err != nil {
		t.Fatalf("CurrentUsage() error: %v", err)
	}
	if usage != 50 {
		t.Errorf("usage = %d, want 50", usage)
	}
}

func TestNewSendRateLimiter_ZeroLimitsGetDefaults(t *testing.T) {
	limiter, _ := setupTestLimiter(t, RateLimits{})

	if limiter.limits.CallsPerSecond != 2 {
		t.Errorf("CallsPerSecond = %d, want default 2", limiter.limits.CallsPerSecond)
	}
	if limiter.limits.DailySendLimit != 100 {
		t.Errorf("DailySendLimit = %d, want default 100", limiter.limits.DailySendLimit)
	}
}
