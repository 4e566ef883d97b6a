package httpx

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })

	for i := 1; i <= 3; i++ {
		d := rl.Allow("ip:1.2.3.4", 3, time.Minute)
		if !d.allowed || d.count != i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); d.allowed {
		t.Fatalf("fourth request should be limited: %+v", d)
	}
	if d := rl.Allow("ip:5.6.7.8", 3, time.Minute); !d.allowed {
		t.Fatal("other keys keep their own window")
	}

	now = now.Add(time.Minute + time.Second)
	if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("window should reset: %+v", d)
	}

	rl.Close()
	if rl.windows.Len() != 0 {
		t.Fatalf("expected counters dropped on close, have %d", rl.windows.Len())
	}
	if d := rl.Allow("ip:1.2.3.4", 3, time.Minute); !d.allowed || d.count != 1 {
		t.Fatalf("closed limiter should start fresh windows: %+v", d)
	}
}

func TestMemoryRateLimiterBoundaryStartsNewWindow(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	rl := newMemoryRateLimiter(func() time.Time { return now })
	first := rl.Allow("k", 1, 30*time.Second)
	if !first.allowed || !first.windowEnd.Equal(now.Add(30*time.Second)) {
		t.Fatalf("unexpected first decision %+v", first)
	}
	if d := rl.Allow("k", 1, 30*time.Second); d.allowed {
		t.Fatalf("second request inside the window should be limited: %+v", d)
	}
	now = first.windowEnd
	if d := rl.Allow("k", 1, 30*time.Second); !d.allowed || d.count != 1 {
		t.Fatalf("request at the window end should open a new window: %+v", d)
	}
}

func TestMemoryRateLimiterDisabled(t *testing.T) {
	rl := newMemoryRateLimiter(time.Now)
	if d := rl.Allow("k", 0, time.Minute); !d.allowed {
		t.Fatal("non-positive limit disables limiting")
	}
}

func TestRateLimitKeys(t *testing.T) {
	req := httptest.NewRequest("GET", "/logs/x", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	if got := rateLimitKeyIP(req); got != "ip:10.0.0.7" {
		t.Fatalf("unexpected ip key %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := rateLimitKeyIP(req); got != "ip:203.0.113.9" {
		t.Fatalf("forwarded address not preferred: %q", got)
	}
	if got := rateLimitKeyBuilder(req); got != "" {
		t.Fatalf("builder key without token: %q", got)
	}
	req.Header.Set("X-Builder-Token", "t")
	if got := rateLimitKeyBuilder(req); got != "builder:203.0.113.9" {
		t.Fatalf("unexpected builder key %q", got)
	}
	if rateMetricKey("builder:1.2.3.4") != "builder" || rateMetricKey("") != "unknown" {
		t.Fatal("unexpected metric key")
	}
}
