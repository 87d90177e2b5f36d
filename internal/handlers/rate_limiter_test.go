package handlers

import (
	"fmt"
	"testing"
	"time"
)

type stepClock struct{ now time.Time }

func (c *stepClock) Now() time.Time { return c.now }

func TestCodeLimiterBudgetsPerCode(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	limiter := newCodeLimiter(2, 0, time.Minute, clock.Now)

	if !limiter.Allow("vc1", "10.0.0.1:5000") || !limiter.Allow(" VC1 ", "10.0.0.2:5000") {
		t.Fatalf("expected first two attempts allowed")
	}
	if limiter.Allow("VC1", "10.0.0.3:5000") {
		t.Fatalf("expected third attempt on the same code rejected regardless of client")
	}
	if !limiter.Allow("VC2", "10.0.0.1:5000") {
		t.Fatalf("expected another code to have its own budget")
	}

	clock.now = clock.now.Add(time.Minute)
	if !limiter.Allow("VC1", "10.0.0.1:5000") {
		t.Fatalf("expected budget restored after the window")
	}
}

func TestCodeLimiterBudgetsPerClientAcrossCodes(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	limiter := newCodeLimiter(5, 3, time.Minute, clock.Now)

	for i := range 3 {
		if !limiter.Allow(fmt.Sprintf("GUESS%d", i), "203.0.113.7:4000") {
			t.Fatalf("attempt %d: expected allowed", i)
		}
	}
	if limiter.Allow("GUESS9", "203.0.113.7:4001") {
		t.Fatalf("expected a client cycling codes to be throttled across ports")
	}
	if !limiter.Allow("GUESS9", "198.51.100.2:4000") {
		t.Fatalf("expected another client unaffected")
	}
}

func TestCodeLimiterEvictsExpiredWindows(t *testing.T) {
	clock := &stepClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	limiter := newCodeLimiter(1, 10, time.Minute, clock.Now)
	for i := range 5 {
		limiter.Allow(fmt.Sprintf("VC%d", i), "10.0.0.1")
	}
	if got := limiter.tracked(); got != 6 {
		t.Fatalf("expected 5 codes and 1 client tracked, got %d", got)
	}

	clock.now = clock.now.Add(2 * time.Minute)
	limiter.Allow("FRESH", "10.0.0.2")
	if got := limiter.tracked(); got != 2 {
		t.Fatalf("expected expired windows swept, got %d tracked", got)
	}
}

func TestCodeLimiterDisabled(t *testing.T) {
	var limiter *codeLimiter
	if !limiter.Allow("VC1", "10.0.0.1") {
		t.Fatalf("expected nil limiter to allow")
	}
	if newCodeLimiter(0, 0, time.Minute, nil) != nil {
		t.Fatalf("expected non-positive limit to disable the limiter")
	}
}
