package usage

import (
	"context"
	"errors"
	"time"
)

// Recorder accepts usage records. *Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Tee fans each record out to several recorders. Cost and timestamp are
// filled in once so every recorder sees the same values.
type Tee struct {
	recorders []Recorder
	pricing   map[string]Pricing
}

// NewTee returns a Tee over the non-nil recorders in rs.
func NewTee(pricing map[string]Pricing, rs ...Recorder) *Tee {
	t := &Tee{pricing: pricing}
	for _, r := range rs {
		if r != nil {
			t.recorders = append(t.recorders, r)
		}
	}
	return t
}

// Record forwards rec to every recorder and joins their errors.
func (t *Tee) Record(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, t.pricing)
	}
	var errs []error
	for _, r := range t.recorders {
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
