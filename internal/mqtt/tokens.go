package mqtt

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/roundtable/internal/usage"
)

// DailyTokens accumulates completion usage for the current local day
// and resets at midnight. It satisfies the usage recorder interfaces of
// the agent and memory packages, so it can sit beside the usage store.
type DailyTokens struct {
	mu       sync.Mutex
	input    int64
	output   int64
	requests int64
	costUSD  float64
	day      int // day-of-year of the current window
	loc      *time.Location
	now      func() time.Time
	last     time.Time
}

// NewDailyTokens creates an accumulator that rolls over at midnight in
// loc. If loc is nil, [time.Local] is used.
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.now().In(loc).YearDay()
	return d
}

// Record adds one completion exchange.
func (d *DailyTokens) Record(_ context.Context, rec usage.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.input += int64(rec.InputTokens)
	d.output += int64(rec.OutputTokens)
	d.costUSD += rec.CostUSD
	d.requests++
	if rec.Timestamp.After(d.last) {
		d.last = rec.Timestamp
	}
	return nil
}

// Snapshot returns today's input tokens, output tokens and request
// count.
func (d *DailyTokens) Snapshot() (input, output, requests int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.input, d.output, d.requests
}

// Cost returns today's estimated spend in USD.
func (d *DailyTokens) Cost() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.costUSD
}

// LastRequest returns the timestamp of the most recent exchange, or the
// zero time if none was recorded since startup.
func (d *DailyTokens) LastRequest() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// rollover must be called with d.mu held.
func (d *DailyTokens) rollover() {
	today := d.now().In(d.loc).YearDay()
	if today != d.day {
		d.input, d.output, d.requests, d.costUSD = 0, 0, 0, 0
		d.day = today
	}
}
