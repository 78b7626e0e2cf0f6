package safety

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradecore/internal/execution"
	"tradecore/internal/health"
	"tradecore/internal/logger"
	"tradecore/internal/metrics"
)

const (
	BreakerDataStale   = "data_stale"
	BreakerRejectSpike = "reject_spike"
	BreakerLatencyP95  = "latency_p95"
)

const rejectWindow = time.Minute

// KillSwitch is the part of the switch the breakers drive.
type KillSwitch interface {
	Engaged() bool
	Engage(reason string) error
}

// FeedHealth reports the aggregate observations the data breakers read.
type FeedHealth interface {
	MaxSilence(symbols []string, now, start time.Time) time.Duration
	MaxP95() time.Duration
}

// Config holds the breaker limits. A zero limit disables that breaker.
type Config struct {
	Interval         time.Duration
	MaxDataStale     time.Duration
	MaxLatencyP95    time.Duration
	MaxRejectsPerMin int
	Symbols          []string
}

func (c Config) Enabled() bool {
	return c.MaxDataStale > 0 || c.MaxLatencyP95 > 0 || c.MaxRejectsPerMin > 0
}

type Observations struct {
	DataStale     time.Duration `json:"data_stale"`
	LatencyP95    time.Duration `json:"latency_p95"`
	RejectsPerMin int           `json:"rejects_per_min"`
	InSession     bool          `json:"in_session"`
}

// Status is the last evaluation, for operator reports.
type Status struct {
	Current      []string     `json:"current"`
	LastChecked  time.Time    `json:"last_checked"`
	Observations Observations `json:"observations"`
	LastTrip     []string     `json:"last_trip,omitempty"`
	LastTripAt   time.Time    `json:"last_trip_at,omitempty"`
}

type Breakers struct {
	ks     KillSwitch
	health FeedHealth
	cfg    Config
	log    *logger.Logger
	start  time.Time
	now    func() time.Time

	mu      sync.Mutex
	rejects []time.Time
	status  Status
}

type Option func(*Breakers)

func WithClock(now func() time.Time) Option {
	return func(b *Breakers) { b.now = now }
}

func New(ks KillSwitch, feedHealth FeedHealth, cfg Config, log *logger.Logger, opts ...Option) *Breakers {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	b := &Breakers{
		ks:     ks,
		health: feedHealth,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.start = b.now()
	return b
}

// ObserveResult counts broker rejections. Orders that never reached the
// broker are not rejections.
func (b *Breakers) ObserveResult(r execution.Result) {
	if r.State != execution.StateFailedTerminal || r.Attempts == 0 {
		return
	}
	at := b.now()
	b.mu.Lock()
	b.rejects = append(b.rejects, at)
	b.pruneLocked(at)
	b.mu.Unlock()
}

// Check evaluates every enabled breaker and engages the kill switch when any trips.
// Data staleness only counts during the regular session.
func (b *Breakers) Check(now time.Time) []string {
	obs := Observations{InSession: health.InRegularSession(now)}
	if b.health != nil {
		obs.DataStale = b.health.MaxSilence(b.cfg.Symbols, now, b.start)
		obs.LatencyP95 = b.health.MaxP95()
	}

	b.mu.Lock()
	b.pruneLocked(now)
	obs.RejectsPerMin = len(b.rejects)
	b.mu.Unlock()

	var trips []string
	if b.cfg.MaxDataStale > 0 && obs.InSession && len(b.cfg.Symbols) > 0 && obs.DataStale > b.cfg.MaxDataStale {
		trips = append(trips, BreakerDataStale)
	}
	if b.cfg.MaxRejectsPerMin > 0 && obs.RejectsPerMin > b.cfg.MaxRejectsPerMin {
		trips = append(trips, BreakerRejectSpike)
	}
	if b.cfg.MaxLatencyP95 > 0 && obs.LatencyP95 > b.cfg.MaxLatencyP95 {
		trips = append(trips, BreakerLatencyP95)
	}

	b.mu.Lock()
	b.status.Current = trips
	b.status.LastChecked = now
	b.status.Observations = obs
	if len(trips) > 0 {
		b.status.LastTrip = trips
		b.status.LastTripAt = now
	}
	b.mu.Unlock()

	if len(trips) > 0 {
		b.trip(trips, obs)
	}
	return trips
}

func (b *Breakers) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.status
	st.Current = append([]string(nil), b.status.Current...)
	st.LastTrip = append([]string(nil), b.status.LastTrip...)
	return st
}

// Run checks on the configured interval until ctx is done.
func (b *Breakers) Run(ctx context.Context) error {
	if !b.cfg.Enabled() {
		b.logEntry().Info("Safety breakers disabled.")
		return nil
	}
	b.logEntry().WithFields(logrus.Fields{
		"interval":            b.cfg.Interval.String(),
		"max_data_stale":      b.cfg.MaxDataStale.String(),
		"max_latency_p95":     b.cfg.MaxLatencyP95.String(),
		"max_rejects_per_min": b.cfg.MaxRejectsPerMin,
	}).Info("Safety breakers started.")

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Check(b.now())
		}
	}
}

func (b *Breakers) trip(trips []string, obs Observations) {
	for _, name := range trips {
		metrics.BreakerTrips.WithLabelValues(name).Inc()
	}
	entry := b.logEntry().WithFields(logrus.Fields{
		"breakers":        trips,
		"data_stale":      obs.DataStale.String(),
		"latency_p95":     obs.LatencyP95.String(),
		"rejects_per_min": obs.RejectsPerMin,
	})

	if b.ks == nil {
		entry.Error("Safety breaker tripped without a kill switch.")
		return
	}
	if b.ks.Engaged() {
		entry.Debug("Safety breaker tripped; kill switch already engaged.")
		return
	}
	if err := b.ks.Engage(fmt.Sprintf("breaker: %s", strings.Join(trips, ","))); err != nil {
		entry.WithError(err).Error("Failed to engage kill switch after breaker trip.")
		return
	}
	entry.Error("Safety breaker tripped; kill switch engaged.")
}

func (b *Breakers) pruneLocked(now time.Time) {
	cutoff := now.Add(-rejectWindow)
	i := 0
	for i < len(b.rejects) && !b.rejects[i].After(cutoff) {
		i++
	}
	b.rejects = b.rejects[i:]
}

func (b *Breakers) logEntry() *logrus.Entry {
	return b.log.WithComponent("safety")
}
