// Package limits tracks the rate limit headers returned by the provider.
package limits

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitWindow represents a single rate limit window.
type RateLimitWindow struct {
	Limit       int            `json:"limit"`
	Remaining   int            `json:"remaining"`
	UsedPercent float64        `json:"used_percent"`
	ResetsIn    *time.Duration `json:"resets_in,omitempty"`
}

// RateLimitSnapshot holds the request and token windows.
type RateLimitSnapshot struct {
	Requests *RateLimitWindow `json:"requests,omitempty"`
	Tokens   *RateLimitWindow `json:"tokens,omitempty"`
}

// StoredSnapshot includes a capture timestamp with the snapshot.
type StoredSnapshot struct {
	CapturedAt time.Time         `json:"captured_at"`
	Snapshot   RateLimitSnapshot `json:"snapshot"`
}

// ParseHeaders extracts rate limit information from upstream response headers.
func ParseHeaders(headers http.Header) *RateLimitSnapshot {
	if headers == nil {
		return nil
	}
	requests := parseWindow(headers,
		"x-ratelimit-limit-requests",
		"x-ratelimit-remaining-requests",
		"x-ratelimit-reset-requests",
	)
	tokens := parseWindow(headers,
		"x-ratelimit-limit-tokens",
		"x-ratelimit-remaining-tokens",
		"x-ratelimit-reset-tokens",
	)
	if requests == nil && tokens == nil {
		return nil
	}
	return &RateLimitSnapshot{Requests: requests, Tokens: tokens}
}

func parseWindow(headers http.Header, limitKey, remainingKey, resetKey string) *RateLimitWindow {
	limit, err := strconv.Atoi(strings.TrimSpace(headers.Get(limitKey)))
	if err != nil || limit <= 0 {
		return nil
	}
	remaining, err := strconv.Atoi(strings.TrimSpace(headers.Get(remainingKey)))
	if err != nil {
		return nil
	}
	used := float64(limit-remaining) / float64(limit) * 100
	if math.IsNaN(used) || math.IsInf(used, 0) {
		return nil
	}
	w := &RateLimitWindow{
		Limit:       limit,
		Remaining:   remaining,
		UsedPercent: math.Max(0, math.Min(100, used)),
	}
	if v := strings.TrimSpace(headers.Get(resetKey)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			w.ResetsIn = &d
		}
	}
	return w
}

// Tracker keeps the most recent snapshot seen on any response.
type Tracker struct {
	mu     sync.Mutex
	latest *StoredSnapshot
}

// Record stores the snapshot carried by headers, if any.
func (t *Tracker) Record(headers http.Header, now time.Time) {
	if t == nil {
		return
	}
	snapshot := ParseHeaders(headers)
	if snapshot == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latest = &StoredSnapshot{CapturedAt: now.UTC(), Snapshot: *snapshot}
}

// Latest returns a copy of the most recent snapshot, or nil.
func (t *Tracker) Latest() *StoredSnapshot {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.latest == nil {
		return nil
	}
	cp := *t.latest
	return &cp
}

// ComputeResetAt calculates when a rate limit window will reset.
func ComputeResetAt(capturedAt time.Time, w *RateLimitWindow) *time.Time {
	if w == nil || w.ResetsIn == nil {
		return nil
	}
	t := capturedAt.Add(*w.ResetsIn)
	return &t
}
