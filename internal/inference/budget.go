package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CallBudget caps the number of model calls one run may spend. It travels
// on the run's context so every component drawing on the gateway shares
// the same pool.
type CallBudget struct {
	remaining atomic.Int64
}

func NewCallBudget(calls int) *CallBudget {
	b := &CallBudget{}
	b.remaining.Store(int64(calls))
	return b
}

func (b *CallBudget) Take() bool {
	for {
		current := b.remaining.Load()
		if current <= 0 {
			return false
		}
		if b.remaining.CompareAndSwap(current, current-1) {
			return true
		}
	}
}

func (b *CallBudget) Remaining() int64 {
	return b.remaining.Load()
}

type budgetContextKey struct{}

func WithBudget(ctx context.Context, budget *CallBudget) context.Context {
	return context.WithValue(ctx, budgetContextKey{}, budget)
}

// takeBudget consumes one call from the context budget; contexts without a
// budget are unlimited.
func takeBudget(ctx context.Context) bool {
	budget, ok := ctx.Value(budgetContextKey{}).(*CallBudget)
	if !ok || budget == nil {
		return true
	}
	return budget.Take()
}

// rateWindow enforces a requests-per-minute cap with a sliding window.
type rateWindow struct {
	mu    sync.Mutex
	rpm   int
	marks []time.Time
}

func newRateWindow(rpm int) *rateWindow {
	return &rateWindow{rpm: rpm}
}

func (w *rateWindow) Wait(ctx context.Context) error {
	if w == nil || w.rpm <= 0 {
		return nil
	}
	for {
		w.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		kept := w.marks[:0]
		for _, mark := range w.marks {
			if mark.After(cutoff) {
				kept = append(kept, mark)
			}
		}
		w.marks = kept
		if len(w.marks) < w.rpm {
			w.marks = append(w.marks, now)
			w.mu.Unlock()
			return nil
		}
		wait := w.marks[0].Sub(cutoff)
		w.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
