package polling

import (
	"context"
	"math"
	"time"

	"github.com/suPer8Hu/eventshim/internal/clock"
)

// Backoff grows Base exponentially per attempt up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	f := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if f >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(f)
}

// Budget tracks how much of an invocation's time is left. Work stops once
// only the reserve remains.
type Budget struct {
	clock    clock.Clock
	deadline time.Time
}

func NewBudget(clk clock.Clock, total, reserve time.Duration) *Budget {
	if clk == nil {
		clk = clock.Real()
	}
	return &Budget{clock: clk, deadline: clk.Now().Add(total - reserve)}
}

// Remaining is the usable time left. A nil budget is unlimited.
func (b *Budget) Remaining() time.Duration {
	if b == nil {
		return time.Duration(math.MaxInt64)
	}
	return b.deadline.Sub(b.clock.Now())
}

func (b *Budget) Exhausted() bool {
	return b.Remaining() <= 0
}

// Stopping reports whether a run must not start another item.
func Stopping(ctx context.Context, b *Budget) bool {
	return ctx.Err() != nil || b.Exhausted()
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
