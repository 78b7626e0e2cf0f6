package ratelimit

import (
	"context"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradecore/internal/logger"
	"tradecore/internal/metrics"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// DefaultMaxWait caps a single wait for the budget to reset.
const DefaultMaxWait = 60 * time.Second

// epochThreshold separates absolute unix reset stamps from relative seconds.
const epochThreshold = 1_000_000_000

// State is the broker-reported budget. Known is false until a response carried headers.
type State struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Known     bool      `json:"known"`
}

// Limiter is shared by every execution worker; all access goes through mu.
type Limiter struct {
	mu      sync.Mutex
	state   State
	maxWait time.Duration
	jitter  time.Duration
	now     func() time.Time
	log     *logger.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithJitter spreads workers that wake on the same reset.
func WithJitter(d time.Duration) Option {
	return func(l *Limiter) { l.jitter = d }
}

func New(maxWait time.Duration, log *logger.Logger, opts ...Option) *Limiter {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	l := &Limiter{
		maxWait: maxWait,
		jitter:  250 * time.Millisecond,
		now:     time.Now,
		log:     log,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Update refreshes the budget from a broker response. Responses without
// rate-limit headers leave the state untouched.
func (l *Limiter) Update(h http.Header) {
	if h == nil {
		return
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	touched := false
	if v, ok := parseInt(h.Get(HeaderLimit)); ok {
		l.state.Limit = v
		touched = true
	}
	if v, ok := parseInt(h.Get(HeaderRemaining)); ok {
		l.state.Remaining = v
		touched = true
	}
	if at, ok := parseReset(h.Get(HeaderReset), now); ok {
		l.state.ResetAt = at
		touched = true
	}
	if wait, ok := parseRetryAfter(h.Get(HeaderRetryAfter), now); ok {
		l.state.Remaining = 0
		if at := now.Add(wait); at.After(l.state.ResetAt) {
			l.state.ResetAt = at
		}
		touched = true
	}
	if !touched {
		return
	}
	l.state.Known = true
	metrics.RateLimitRemaining.Set(float64(l.state.Remaining))
}

// Acquire reserves one call. When the budget is exhausted it sleeps until the
// reset and checks again, for at most maxWait in total; past that the call goes
// through and the broker is the final arbiter.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := l.now().Add(l.maxWait)

	for {
		l.mu.Lock()
		now := l.now()
		wait, ok := l.reserveLocked(now)
		if !ok && !now.Before(deadline) {
			// Waited long enough; count the call anyway.
			l.state.Remaining--
			ok = true
		}
		resetAt := l.state.ResetAt
		l.mu.Unlock()
		if ok {
			return nil
		}

		if left := deadline.Sub(now); wait > left {
			wait = left
		}
		if l.jitter > 0 {
			wait += rand.N(l.jitter)
		}

		l.logEntry().WithFields(logrus.Fields{
			"wait":     wait.String(),
			"reset_at": resetAt.UTC().Format(time.RFC3339),
		}).Warn("Rate limit exhausted, waiting for reset.")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserveLocked takes one call from the budget, or reports the time left until
// the window resets.
func (l *Limiter) reserveLocked(now time.Time) (time.Duration, bool) {
	s := &l.state
	if s.Known && s.Remaining <= 0 && !now.Before(s.ResetAt) {
		// Window rolled over; trust the next response.
		s.Known = false
	}
	if !s.Known {
		return 0, true
	}
	if s.Remaining > 0 {
		s.Remaining--
		return 0, true
	}
	return s.ResetAt.Sub(now), false
}

func (l *Limiter) logEntry() *logrus.Entry {
	return l.log.WithComponent("ratelimit")
}

func parseInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseReset accepts a unix timestamp (seconds) or a relative number of seconds.
func parseReset(raw string, now time.Time) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return time.Time{}, false
	}
	if v >= epochThreshold {
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)), true
	}
	return now.Add(time.Duration(v * float64(time.Second))), true
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	at, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
