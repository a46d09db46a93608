package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestAllow_LocalFixedWindow(t *testing.T) {
	// nil Redis client 直接走本地计数器
	l := New(nil, zap.NewNop())
	ctx := context.Background()

	for i, wantRemaining := range []int{2, 1, 0} {
		res := l.Allow(ctx, "user:1:trigger", 3, time.Minute)
		if !res.Allowed {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
		if res.Remaining != wantRemaining {
			t.Errorf("request %d remaining = %d, want %d", i+1, res.Remaining, wantRemaining)
		}
		if res.RetryAfter != 0 {
			t.Errorf("request %d RetryAfter = %v, want 0 while allowed", i+1, res.RetryAfter)
		}
	}

	res := l.Allow(ctx, "user:1:trigger", 3, time.Minute)
	if res.Allowed {
		t.Fatal("4th request allowed, want rejected")
	}
	if res.Remaining != 0 {
		t.Errorf("rejected remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter <= 0 {
		t.Errorf("rejected RetryAfter = %v, want > 0", res.RetryAfter)
	}
	if res.RetryAfter > time.Minute {
		t.Errorf("rejected RetryAfter = %v, want <= window", res.RetryAfter)
	}
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(nil, zap.NewNop())
	ctx := context.Background()

	if res := l.Allow(ctx, "user:1:auth", 1, time.Minute); !res.Allowed {
		t.Fatal("first request for key A rejected")
	}
	if res := l.Allow(ctx, "user:1:auth", 1, time.Minute); res.Allowed {
		t.Fatal("second request for key A allowed, want rejected")
	}
	// 另一个 key 不受影响
	if res := l.Allow(ctx, "user:2:auth", 1, time.Minute); !res.Allowed {
		t.Error("request for key B rejected by key A's budget")
	}
}

func TestAllow_WindowReset(t *testing.T) {
	l := New(nil, zap.NewNop())
	ctx := context.Background()

	window := 20 * time.Millisecond
	if res := l.Allow(ctx, "user:1:read", 1, window); !res.Allowed {
		t.Fatal("first request rejected")
	}
	if res := l.Allow(ctx, "user:1:read", 1, window); res.Allowed {
		t.Fatal("second request in window allowed, want rejected")
	}

	time.Sleep(window + 5*time.Millisecond)

	if res := l.Allow(ctx, "user:1:read", 1, window); !res.Allowed {
		t.Error("request after window expiry rejected, want fresh budget")
	}
}

func TestBuildResult(t *testing.T) {
	resetAt := time.Now().Add(30 * time.Second)

	tests := []struct {
		count, limit  int
		wantAllowed   bool
		wantRemaining int
	}{
		{1, 3, true, 2},
		{3, 3, true, 0},
		{4, 3, false, 0},
		{10, 3, false, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("count=%d_limit=%d", tt.count, tt.limit), func(t *testing.T) {
			res := buildResult(tt.count, tt.limit, resetAt)
			if res.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", res.Allowed, tt.wantAllowed)
			}
			if res.Remaining != tt.wantRemaining {
				t.Errorf("Remaining = %d, want %d", res.Remaining, tt.wantRemaining)
			}
			if !res.ResetAt.Equal(resetAt) {
				t.Errorf("ResetAt = %v, want %v", res.ResetAt, resetAt)
			}
		})
	}
}
