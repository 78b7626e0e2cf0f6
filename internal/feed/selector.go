package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"tradecore/internal/logger"
	"tradecore/internal/metrics"
)

// EntitlementError is returned in strict mode when the premium feed is not available.
type EntitlementError struct {
	Feed   string
	Symbol string
	Err    error
}

func (e *EntitlementError) Error() string {
	return fmt.Sprintf("feed %s not entitled (probe %s): %v", e.Feed, e.Symbol, e.Err)
}

func (e *EntitlementError) Unwrap() error {
	return e.Err
}

type Prober interface {
	ProbeEntitlement(ctx context.Context, feed, symbol string) error
}

type Selector struct {
	prober      Prober
	probeSymbol string
	log         *logger.Logger
}

func NewSelector(prober Prober, probeSymbol string, log *logger.Logger) *Selector {
	probeSymbol = strings.ToUpper(strings.TrimSpace(probeSymbol))
	if probeSymbol == "" {
		probeSymbol = "SPY"
	}
	return &Selector{prober: prober, probeSymbol: probeSymbol, log: log}
}

// Select probes the premium tier once. Call it at startup only.
func (s *Selector) Select(ctx context.Context, strict bool) (Tier, error) {
	err := s.prober.ProbeEntitlement(ctx, Premium.Name(), s.probeSymbol)
	if err == nil {
		s.logEntry().WithField("feed", Premium.Name()).Info("Premium feed entitled.")
		return Premium, nil
	}

	if strict {
		return 0, &EntitlementError{Feed: Premium.Name(), Symbol: s.probeSymbol, Err: err}
	}

	metrics.FeedFallbacks.Inc()
	s.logEntry().WithError(err).WithFields(logrus.Fields{
		"feed":     Fallback.Name(),
		"wanted":   Premium.Name(),
		"event":    "FEED_FALLBACK",
		"strict":   strict,
		"probe_on": s.probeSymbol,
	}).Warn("Premium feed unavailable, using fallback feed.")
	return Fallback, nil
}

func (s *Selector) logEntry() *logrus.Entry {
	return s.log.WithComponent("feed_selector")
}
