package providers

import (
	"sync"
	"time"
)

// usageWindow tracks rolling per-minute and per-day token/request usage so
// the provider refuses work locally before the remote API starts returning
// 429s. Limits follow the free-tier defaults.
type usageWindow struct {
	mu              sync.Mutex
	minuteTokens    int
	dailyTokens     int
	minuteRequests  int
	dailyRequests   int
	lastMinuteReset time.Time
	lastDayReset    time.Time

	rpm int
	tpm int
	rpd int
}

func newUsageWindow() *usageWindow {
	now := time.Now()
	return &usageWindow{
		lastMinuteReset: now,
		lastDayReset:    now,
		rpm:             1000,
		tpm:             1000000,
		rpd:             10000,
	}
}

func (w *usageWindow) CanConsume(tokens, requests int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	if now.Sub(w.lastMinuteReset) >= time.Minute {
		w.minuteTokens = 0
		w.minuteRequests = 0
		w.lastMinuteReset = now
	}
	if now.Sub(w.lastDayReset) >= 24*time.Hour {
		w.dailyTokens = 0
		w.dailyRequests = 0
		w.lastDayReset = now
	}

	if w.minuteRequests+requests > w.rpm {
		return false
	}
	if w.minuteTokens+tokens > w.tpm {
		return false
	}
	if w.dailyRequests+requests > w.rpd {
		return false
	}
	return true
}

func (w *usageWindow) RecordUsage(tokens, requests int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.minuteTokens += tokens
	w.minuteRequests += requests
	w.dailyTokens += tokens
	w.dailyRequests += requests
}
