package health

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Mismatch describes a disagreement between the stream and a REST snapshot.
type Mismatch struct {
	Symbol        string        `json:"symbol"`
	StreamPrice   float64       `json:"stream_price"`
	SnapshotPrice float64       `json:"snapshot_price"`
	Delta         float64       `json:"delta"`
	StreamTime    time.Time     `json:"stream_time"`
	SnapshotTime  time.Time     `json:"snapshot_time"`
	Skew          time.Duration `json:"skew"`
	Reason        string        `json:"reason"`
}

// Crosscheck compares the latest streamed price of each symbol with a REST snapshot.
// A mismatch marks the symbol DEGRADED; a clean comparison clears it.
// Symbols without a streamed price are skipped. An empty list checks every tracked symbol.
func (m *Monitor) Crosscheck(ctx context.Context, symbols []string) ([]Mismatch, error) {
	if m.snapshots == nil {
		return nil, fmt.Errorf("crosscheck: no snapshot source")
	}
	if len(symbols) == 0 {
		symbols = m.Symbols()
	} else {
		normalized := make([]string, 0, len(symbols))
		for _, s := range symbols {
			normalized = append(normalized, normalize(s))
		}
		symbols = normalized
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	snaps, err := m.snapshots.Snapshots(ctx, symbols)
	if err != nil {
		return nil, fmt.Errorf("crosscheck snapshots: %w", err)
	}

	limit := decimal.NewFromFloat(m.cfg.TickSize).Mul(decimal.NewFromInt(int64(m.cfg.MaxTicks)))
	now := m.now()

	var (
		mismatches []Mismatch
		fired      []Notification
	)
	for _, sym := range symbols {
		snap, ok := snaps[sym]
		if !ok || snap.Price <= 0 {
			continue
		}
		st, ok := m.lookup(sym)
		if !ok {
			continue
		}

		st.mu.Lock()
		if st.lastPrice <= 0 {
			st.mu.Unlock()
			continue
		}
		mm, bad := compare(sym, st.lastPrice, st.lastPriceAt, snap.Price, snap.Timestamp, limit, m.cfg.MaxSkew)
		st.degraded = bad
		reason := "crosscheck clean"
		if bad {
			reason = mm.Reason
		}
		n, changed := m.settle(sym, st, now, reason)
		st.mu.Unlock()

		if bad {
			mismatches = append(mismatches, mm)
			m.logEntry().WithFields(logrus.Fields{
				"event":          string(KindCrosscheck),
				"symbol":         sym,
				"stream_price":   mm.StreamPrice,
				"snapshot_price": mm.SnapshotPrice,
				"delta":          mm.Delta,
				"skew":           mm.Skew.String(),
				"reason":         mm.Reason,
			}).Warn("Stream and snapshot disagree.")
		}
		if changed {
			fired = append(fired, n)
		}
	}

	for _, n := range fired {
		m.emit(n)
	}
	return mismatches, nil
}

// RunCrosscheck repeats Crosscheck on interval until ctx is done.
func (m *Monitor) RunCrosscheck(ctx context.Context, interval time.Duration, symbols []string) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Crosscheck(ctx, symbols); err != nil && ctx.Err() == nil {
				m.logEntry().WithError(err).Warn("Crosscheck failed.")
			}
		}
	}
}

func compare(symbol string, streamPrice float64, streamAt time.Time, snapPrice float64, snapAt time.Time, limit decimal.Decimal, maxSkew time.Duration) (Mismatch, bool) {
	delta := decimal.NewFromFloat(snapPrice).Sub(decimal.NewFromFloat(streamPrice)).Abs()
	skew := snapAt.Sub(streamAt)
	if skew < 0 {
		skew = -skew
	}

	mm := Mismatch{
		Symbol:        symbol,
		StreamPrice:   streamPrice,
		SnapshotPrice: snapPrice,
		Delta:         delta.InexactFloat64(),
		StreamTime:    streamAt,
		SnapshotTime:  snapAt,
		Skew:          skew,
	}

	switch {
	case delta.GreaterThan(limit):
		mm.Reason = fmt.Sprintf("price differs by %s (limit %s)", delta.String(), limit.String())
		return mm, true
	case !streamAt.IsZero() && !snapAt.IsZero() && skew > maxSkew:
		mm.Reason = fmt.Sprintf("timestamps differ by %s (limit %s)", skew, maxSkew)
		return mm, true
	}
	return mm, false
}
