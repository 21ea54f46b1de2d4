package server

import (
	"context"
	"testing"
	"time"

	"clipflow/internal/testsupport/redisstub"
)

func TestRedisCounterStoreThrottlesAfterLimit(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})

	store, err := newRedisCounterStore(srv.URL(), time.Second)
	if err != nil {
		t.Fatalf("new redis counter store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		allowed, retry, err := store.Allow(ctx, "uploads:test", 2, time.Minute)
		if err != nil {
			t.Fatalf("allow %d returned error: %v", i+1, err)
		}
		if !allowed || retry != 0 {
			t.Fatalf("allow %d unexpected: allowed=%v retry=%v", i+1, allowed, retry)
		}
	}

	allowed, retry, err := store.Allow(ctx, "uploads:test", 2, time.Minute)
	if err != nil {
		t.Fatalf("third allow returned error: %v", err)
	}
	if allowed {
		t.Fatal("expected throttle on third attempt")
	}
	if retry < 0 {
		t.Fatalf("retry after = %v, want non-negative", retry)
	}
}

func TestRateLimiterFallsBackToLocalBuckets(t *testing.T) {
	rl, err := newRateLimiter(RateLimitConfig{UploadLimit: 2, UploadWindow: time.Minute})
	if err != nil {
		t.Fatalf("newRateLimiter returned error: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.AllowUpload(ctx, "10.0.0.1")
		if err != nil || !allowed {
			t.Fatalf("allow %d unexpected: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	allowed, _, err := rl.AllowUpload(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("third allow returned error: %v", err)
	}
	if allowed {
		t.Fatal("expected throttle on third attempt")
	}

	allowed, _, err = rl.AllowUpload(ctx, "10.0.0.2")
	if err != nil || !allowed {
		t.Fatalf("other client should not be throttled: allowed=%v err=%v", allowed, err)
	}
}
