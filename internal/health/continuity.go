package health

import (
	"context"
	"fmt"
	"sort"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"

	"tradecore/internal/metrics"
	"tradecore/internal/models"
)

const (
	sessionOpen  = 9*60 + 30
	sessionClose = 16 * 60
)

var marketTZ = mustLoadLocation("America/New_York")

// BarGap is a run of missing minute bars inside the regular session.
type BarGap struct {
	Symbol         string    `json:"symbol"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	MissingMinutes int       `json:"missing_minutes"`
}

// InRegularSession reports whether t falls in 09:30-16:00 New York time on a weekday.
func InRegularSession(t time.Time) bool {
	local := t.In(marketTZ)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= sessionOpen && minute < sessionClose
}

// CheckBarContinuity fetches minute bars for [start, end) and reports the gaps.
// Results are reported and discarded; nothing is retried.
func (m *Monitor) CheckBarContinuity(ctx context.Context, symbols []string, start, end time.Time) ([]BarGap, error) {
	if m.bars == nil {
		return nil, fmt.Errorf("bar continuity: no bar source")
	}
	if !end.After(start) {
		return nil, nil
	}
	if len(symbols) == 0 {
		symbols = m.Symbols()
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	series, err := m.bars.Bars(ctx, symbols, start, end)
	if err != nil {
		return nil, fmt.Errorf("bar continuity: %w", err)
	}

	var gaps []BarGap
	for _, sym := range symbols {
		bars := series[normalize(sym)]
		if len(bars) == 0 {
			bars = series[sym]
		}
		found := m.findGapsSafe(normalize(sym), bars)
		for _, g := range found {
			metrics.BarGaps.Inc()
			m.logEntry().WithFields(logrus.Fields{
				"event":           string(KindBarGap),
				"symbol":          g.Symbol,
				"window_start":    g.WindowStart.UTC().Format(time.RFC3339),
				"window_end":      g.WindowEnd.UTC().Format(time.RFC3339),
				"missing_minutes": g.MissingMinutes,
			}).Warn("Minute bars missing.")
			for _, notify := range m.notifiers {
				m.safeNotify(notify, Notification{
					Kind:   KindBarGap,
					Symbol: g.Symbol,
					At:     g.WindowStart,
					Reason: fmt.Sprintf("%d minute(s) missing until %s", g.MissingMinutes, g.WindowEnd.UTC().Format(time.RFC3339)),
				})
			}
		}
		gaps = append(gaps, found...)
	}
	return gaps, nil
}

// RunContinuity checks the trailing lookback window on interval until ctx is done.
func (m *Monitor) RunContinuity(ctx context.Context, interval, lookback time.Duration, symbols []string) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if lookback <= 0 {
		lookback = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			end := m.now().Truncate(time.Minute)
			if _, err := m.CheckBarContinuity(ctx, symbols, end.Add(-lookback), end); err != nil && ctx.Err() == nil {
				m.logEntry().WithError(err).Warn("Bar continuity check failed.")
			}
		}
	}
}

func (m *Monitor) findGapsSafe(symbol string, bars []models.Bar) (gaps []BarGap) {
	defer func() {
		if r := recover(); r != nil {
			m.logEntry().WithField("symbol", symbol).WithField("panic", r).Error("Bar continuity evaluation failed.")
			gaps = nil
		}
	}()
	return FindGaps(symbol, bars, m.halts)
}

// FindGaps walks the one-per-minute cadence between consecutive bars.
// Minutes outside the regular session or inside a known halt are not gaps.
func FindGaps(symbol string, bars []models.Bar, halts HaltCalendar) []BarGap {
	if len(bars) < 2 {
		return nil
	}
	stamps := make([]time.Time, 0, len(bars))
	for _, b := range bars {
		stamps = append(stamps, b.Timestamp.Truncate(time.Minute))
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	var (
		gaps []BarGap
		open *BarGap
	)
	flush := func() {
		if open != nil {
			gaps = append(gaps, *open)
			open = nil
		}
	}

	for i := 1; i < len(stamps); i++ {
		for t := stamps[i-1].Add(time.Minute); t.Before(stamps[i]); t = t.Add(time.Minute) {
			if !InRegularSession(t) || (halts != nil && halts.Halted(symbol, t)) {
				flush()
				continue
			}
			if open == nil {
				open = &BarGap{Symbol: symbol, WindowStart: t}
			}
			open.WindowEnd = t.Add(time.Minute)
			open.MissingMinutes++
		}
		flush()
	}
	return gaps
}

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}
