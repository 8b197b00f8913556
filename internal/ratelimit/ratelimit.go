// Package ratelimit throttles brute-forceable routes with fixed windows
// counted per client IP.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so tests can step windows without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Rule is one fixed-window budget for a method+path pair.
type Rule struct {
	Method string
	Path   string
	Limit  int
	Window time.Duration
}

// Result reports the state of the window a request landed in.
type Result struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	RetryIn   time.Duration
}

type ruleKey struct {
	method string
	path   string
}

type clientKey struct {
	ip   string
	rule ruleKey
}

type window struct {
	count   int
	startAt time.Time
}

// Limiter counts requests per client IP and route within fixed windows.
// Windows reset lazily on the first request after expiry, so an idle
// limiter does no background work; Cleanup trims lapsed entries.
type Limiter struct {
	clock Clock
	rules map[ruleKey]Rule

	mu      sync.Mutex
	windows map[clientKey]*window
}

func NewLimiter(rules []Rule) *Limiter {
	m := make(map[ruleKey]Rule, len(rules))
	for _, r := range rules {
		m[ruleKey{method: r.Method, path: r.Path}] = r
	}
	return &Limiter{
		clock:   systemClock{},
		rules:   m,
		windows: make(map[clientKey]*window),
	}
}

// Allow counts one request from ip against the rule for method+path.
// Routes without a rule always pass, with a zero Result.
func (l *Limiter) Allow(ip, method, path string) (Result, bool) {
	rk := ruleKey{method: method, path: path}
	rule, ok := l.rules[rk]
	if !ok {
		return Result{}, true
	}

	now := l.clock.Now()
	key := clientKey{ip: ip, rule: rk}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.startAt) >= rule.Window {
		l.windows[key] = &window{count: 1, startAt: now}
		return Result{Limit: rule.Limit, Remaining: rule.Limit - 1, ResetAt: now.Add(rule.Window)}, true
	}

	resetAt := w.startAt.Add(rule.Window)
	if w.count >= rule.Limit {
		return Result{Limit: rule.Limit, ResetAt: resetAt, RetryIn: resetAt.Sub(now)}, false
	}

	w.count++
	return Result{Limit: rule.Limit, Remaining: rule.Limit - w.count, ResetAt: resetAt}, true
}

// Cleanup drops lapsed windows. The app runs this on a slow ticker to keep
// the map from accumulating one entry per IP forever.
func (l *Limiter) Cleanup() {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, w := range l.windows {
		rule, ok := l.rules[key.rule]
		if !ok || now.Sub(w.startAt) >= rule.Window {
			delete(l.windows, key)
		}
	}
}
