package crawler

import (
	"context"
	"time"
)

// visitTracker admits each URL at most once and stops admitting at the budget.
type visitTracker struct {
	seen  map[string]struct{}
	limit int
}

func newVisitTracker(limit int) *visitTracker {
	return &visitTracker{seen: make(map[string]struct{}), limit: limit}
}

// Admit records url and returns true if it is new and the budget has room.
func (t *visitTracker) Admit(url string) bool {
	if url == "" || t.Full() {
		return false
	}
	if _, ok := t.seen[url]; ok {
		return false
	}
	t.seen[url] = struct{}{}
	return true
}

// Full reports whether the page budget has been fully admitted.
func (t *visitTracker) Full() bool {
	return t.limit > 0 && len(t.seen) >= t.limit
}

// Len is the number of admitted URLs.
func (t *visitTracker) Len() int {
	return len(t.seen)
}

// pauseController abstracts how callers back off between retries.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Pause blocks for delay or until ctx is done.
func Pause(ctx context.Context, delay time.Duration) {
	(&timerPauseController{}).Pause(ctx, delay)
}
