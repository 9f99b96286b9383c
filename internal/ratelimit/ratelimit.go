// Package ratelimit implements sliding-window limits shared across nodes
// through the cache backend, with a local token-bucket fast path that fails
// open (audit-flagged) when the shared counters are unreachable.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/veilchat/veild/internal/metrics"
)

// Routes with configured limits.
const (
	RouteSend = "send"
	RouteList = "list"
)

// CounterStore persists windowed counters. Implemented over redis in
// production and in memory for dev/tests.
type CounterStore interface {
	// Incr adds one to the bucket and returns the new value. The bucket
	// expires after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Get reads a bucket without modifying it; absent buckets read 0.
	Get(ctx context.Context, key string) (int64, error)
}

// Limit is max events per window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	// FailOpen marks decisions taken by the local path while the shared
	// counter store was unreachable.
	FailOpen bool
}

type Limiter struct {
	counters CounterStore
	limits   map[string]Limit
	disabled bool
	logger   zerolog.Logger
	now      func() time.Time

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

type Options struct {
	Counters CounterStore
	Limits   map[string]Limit
	Disabled bool
	Logger   zerolog.Logger
}

func New(opts Options) *Limiter {
	limits := opts.Limits
	if limits == nil {
		limits = map[string]Limit{
			RouteSend: {Max: 30, Window: time.Minute},
			RouteList: {Max: 120, Window: time.Minute},
		}
	}
	return &Limiter{
		counters: opts.Counters,
		limits:   limits,
		disabled: opts.Disabled,
		logger:   opts.Logger,
		now:      time.Now,
		local:    make(map[string]*rate.Limiter),
	}
}

// SetClock overrides the time source. Test hook.
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Allow consults one bucket per identifier; the call is rejected when any
// bucket is exhausted. Identifiers are scope → id (account, device, session).
func (l *Limiter) Allow(ctx context.Context, route string, identifiers map[string]string) Decision {
	if l.disabled {
		return Decision{Allowed: true}
	}
	limit, ok := l.limits[route]
	if !ok {
		return Decision{Allowed: true}
	}

	for scope, id := range identifiers {
		if id == "" {
			continue
		}
		d := l.allowOne(ctx, route, scope, id, limit)
		if !d.Allowed {
			metrics.RateLimitRejections.WithLabelValues(route).Inc()
			return d
		}
		if d.FailOpen {
			return d
		}
	}
	return Decision{Allowed: true}
}

// allowOne applies the classic two-bucket sliding-window approximation: the
// previous fixed window is weighted by the unelapsed fraction of the current
// one and added to the current count.
func (l *Limiter) allowOne(ctx context.Context, route, scope, id string, limit Limit) Decision {
	now := l.now()
	currStart := now.Truncate(limit.Window)
	prevStart := currStart.Add(-limit.Window)
	elapsed := float64(now.Sub(currStart)) / float64(limit.Window)

	currKey := bucketKey(route, scope, id, currStart)
	prevKey := bucketKey(route, scope, id, prevStart)

	curr, err := l.counters.Incr(ctx, currKey, 2*limit.Window)
	if err != nil {
		return l.failOpen(route, scope, id, limit, err)
	}
	prev, err := l.counters.Get(ctx, prevKey)
	if err != nil {
		return l.failOpen(route, scope, id, limit, err)
	}

	weighted := float64(curr) + float64(prev)*(1-elapsed)
	if weighted > float64(limit.Max) {
		retry := currStart.Add(limit.Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}
	return Decision{Allowed: true}
}

// failOpen decides locally and flags the decision for audit.
func (l *Limiter) failOpen(route, scope, id string, limit Limit, cause error) Decision {
	metrics.RateLimitFailOpen.Inc()
	l.logger.Warn().
		Err(cause).
		Str("route", route).
		Str("scope", scope).
		Bool("fail_open", true).
		Msg("Shared rate-limit counters unreachable, deciding locally")

	key := route + ":" + scope + ":" + id
	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(limit.Max)/limit.Window.Seconds()), limit.Max)
		l.local[key] = lim
	}
	l.mu.Unlock()

	if !lim.Allow() {
		metrics.RateLimitRejections.WithLabelValues(route).Inc()
		return Decision{Allowed: false, RetryAfter: time.Second, FailOpen: true}
	}
	return Decision{Allowed: true, FailOpen: true}
}

func bucketKey(route, scope, id string, windowStart time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%s:%d", route, scope, id, windowStart.Unix())
}
