package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/logger"
	"tradecore/internal/models"
)

type fakeBars struct {
	series map[string][]models.Bar
}

func (f *fakeBars) Bars(_ context.Context, _ []string, _, _ time.Time) (map[string][]models.Bar, error) {
	return f.series, nil
}

type haltAt struct {
	from, to time.Time
}

func (h haltAt) Halted(_ string, at time.Time) bool {
	return !at.Before(h.from) && at.Before(h.to)
}

// ny builds a New York wall-clock time on Tuesday 2024-03-05.
func ny(hour, minute int) time.Time {
	return time.Date(2024, 3, 5, hour, minute, 0, 0, marketTZ)
}

func minuteBars(symbol string, stamps ...time.Time) []models.Bar {
	bars := make([]models.Bar, 0, len(stamps))
	for _, ts := range stamps {
		bars = append(bars, models.Bar{Symbol: symbol, Close: 100, Timestamp: ts})
	}
	return bars
}

func TestInRegularSession(t *testing.T) {
	assert.False(t, InRegularSession(ny(9, 29)))
	assert.True(t, InRegularSession(ny(9, 30)))
	assert.True(t, InRegularSession(ny(15, 59)))
	assert.False(t, InRegularSession(ny(16, 0)))
	assert.False(t, InRegularSession(time.Date(2024, 3, 9, 11, 0, 0, 0, marketTZ)), "saturday")
	assert.True(t, InRegularSession(time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)))
}

func TestFindGaps(t *testing.T) {
	bars := minuteBars("AAPL", ny(10, 5), ny(10, 0), ny(10, 1))

	gaps := FindGaps("AAPL", bars, nil)
	require.Len(t, gaps, 1)
	assert.Equal(t, ny(10, 2), gaps[0].WindowStart)
	assert.Equal(t, ny(10, 5), gaps[0].WindowEnd)
	assert.Equal(t, 3, gaps[0].MissingMinutes)
}

func TestFindGapsIgnoresPreMarketAndOvernight(t *testing.T) {
	bars := minuteBars("AAPL", ny(9, 0), ny(9, 35), ny(15, 59))
	bars = append(bars, models.Bar{Timestamp: time.Date(2024, 3, 6, 9, 30, 0, 0, marketTZ)})

	gaps := FindGaps("AAPL", bars, nil)
	require.Len(t, gaps, 2)
	assert.Equal(t, ny(9, 30), gaps[0].WindowStart)
	assert.Equal(t, 5, gaps[0].MissingMinutes)
	assert.Equal(t, ny(9, 36), gaps[1].WindowStart)
	assert.Equal(t, ny(15, 59), gaps[1].WindowEnd)
}

func TestFindGapsSkipsHalts(t *testing.T) {
	bars := minuteBars("AAPL", ny(10, 0), ny(10, 10))
	halts := haltAt{from: ny(10, 3), to: ny(10, 8)}

	gaps := FindGaps("AAPL", bars, halts)
	require.Len(t, gaps, 2)
	assert.Equal(t, 2, gaps[0].MissingMinutes)
	assert.Equal(t, ny(10, 8), gaps[1].WindowStart)
	assert.Equal(t, 2, gaps[1].MissingMinutes)
}

func TestCheckBarContinuityNotifies(t *testing.T) {
	rec := &recorder{}
	src := &fakeBars{series: map[string][]models.Bar{
		"AAPL": minuteBars("AAPL", ny(10, 0), ny(10, 2)),
		"MSFT": minuteBars("MSFT", ny(10, 0), ny(10, 1), ny(10, 2)),
	}}
	m := NewMonitor(Config{}, logger.Discard(), WithBarSource(src), WithNotifier(rec.notify))

	gaps, err := m.CheckBarContinuity(context.Background(), []string{"AAPL", "msft"}, ny(10, 0), ny(10, 3))
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "AAPL", gaps[0].Symbol)

	require.Len(t, rec.seen, 1)
	assert.Equal(t, KindBarGap, rec.seen[0].Kind)
	assert.Equal(t, "AAPL", rec.seen[0].Symbol)
}
