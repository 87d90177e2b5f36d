package handlers

import (
	"net"
	"strings"
	"sync"
	"time"
)

// maxTrackedKeys bounds the limiter's memory under a flood of distinct codes.
const maxTrackedKeys = 10_000

// codeLimiter throttles anonymous callers that address carts by verification code. Every code gets
// perCode attempts per window, and every client address gets perClient attempts per window across all
// codes, so cycling through guessed codes is throttled as well. Expired windows are swept at most once
// per window, or immediately when the tracked key count reaches maxTrackedKeys.
type codeLimiter struct {
	perCode   int
	perClient int
	window    time.Duration
	now       func() time.Time

	mu        sync.Mutex
	codes     map[string]limitWindow
	clients   map[string]limitWindow
	nextSweep time.Time
}

type limitWindow struct {
	count int
	reset time.Time
}

func newCodeLimiter(perCode, perClient int, window time.Duration, clock func() time.Time) *codeLimiter {
	if perCode <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &codeLimiter{
		perCode:   perCode,
		perClient: perClient,
		window:    window,
		now:       clock,
		codes:     make(map[string]limitWindow),
		clients:   make(map[string]limitWindow),
	}
}

// Allow records an attempt for code from client and reports whether it is within both budgets.
// Rejected attempts are not counted.
func (l *codeLimiter) Allow(code, client string) bool {
	if l == nil {
		return true
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	client = clientKey(client)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !now.Before(l.nextSweep) || len(l.codes)+len(l.clients) >= maxTrackedKeys {
		l.sweepLocked(now)
	}

	codeWindow := current(l.codes[code], now, l.window)
	if codeWindow.count >= l.perCode {
		return false
	}
	clientWindow := current(l.clients[client], now, l.window)
	if l.perClient > 0 && clientWindow.count >= l.perClient {
		return false
	}
	codeWindow.count++
	clientWindow.count++
	l.codes[code] = codeWindow
	l.clients[client] = clientWindow
	return true
}

func (l *codeLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.codes) + len(l.clients)
}

func (l *codeLimiter) sweepLocked(now time.Time) {
	for key, w := range l.codes {
		if !now.Before(w.reset) {
			delete(l.codes, key)
		}
	}
	for key, w := range l.clients {
		if !now.Before(w.reset) {
			delete(l.clients, key)
		}
	}
	l.nextSweep = now.Add(l.window)
}

func current(w limitWindow, now time.Time, window time.Duration) limitWindow {
	if w.reset.IsZero() || !now.Before(w.reset) {
		return limitWindow{reset: now.Add(window)}
	}
	return w
}

// clientKey strips the port from a remote address.
func clientKey(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	if remoteAddr == "" {
		return "unknown"
	}
	return remoteAddr
}
