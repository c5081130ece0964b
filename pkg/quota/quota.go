// Package quota bounds how often each kapsule type may run on this host or
// across a fleet.
package quota

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// StageName is the pipeline stage reported by Error.
const StageName = "quota"

// QuotaExceeded is the only Error kind.
const QuotaExceeded = "QUOTA_EXCEEDED"

// Error reports a rejected run.
type Error struct {
	KapsuleType string `json:"kapsule_type"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("quota: %s: kapsule type %q is over its run rate", QuotaExceeded, e.KapsuleType)
}

func (e *Error) Stage() string { return StageName }
func (e *Error) Code() string  { return QuotaExceeded }

// Rate is a token bucket: PerSecond runs refilled, Burst runs at most.
// A zero PerSecond means unlimited.
type Rate struct {
	PerSecond float64 `json:"per_second" yaml:"per_second" toml:"per_second"`
	Burst     int     `json:"burst" yaml:"burst" toml:"burst"`
}

// Unlimited reports whether r imposes no bound.
func (r Rate) Unlimited() bool { return r.PerSecond <= 0 }

func (r Rate) burst() int {
	if r.Burst < 1 {
		return 1
	}
	return r.Burst
}

// Limiter decides whether one more run of kapsuleType is allowed now.
type Limiter interface {
	Allow(ctx context.Context, kapsuleType string) (bool, error)
}

// Local is an in-process Limiter with one bucket per kapsule type.
type Local struct {
	rates    map[string]Rate
	fallback Rate

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewLocal returns a Local limiter. Types missing from rates use fallback.
func NewLocal(rates map[string]Rate, fallback Rate) *Local {
	l := &Local{
		rates:    make(map[string]Rate, len(rates)),
		fallback: fallback,
		buckets:  make(map[string]*rate.Limiter),
	}
	for t, r := range rates {
		l.rates[t] = r
	}
	return l
}

func (l *Local) rateFor(kapsuleType string) Rate {
	if r, ok := l.rates[kapsuleType]; ok {
		return r
	}
	return l.fallback
}

// Allow implements Limiter.
func (l *Local) Allow(_ context.Context, kapsuleType string) (bool, error) {
	r := l.rateFor(kapsuleType)
	if r.Unlimited() {
		return true, nil
	}
	l.mu.Lock()
	b, ok := l.buckets[kapsuleType]
	if !ok {
		b = rate.NewLimiter(rate.Limit(r.PerSecond), r.burst())
		l.buckets[kapsuleType] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

// Unlimited never rejects.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
