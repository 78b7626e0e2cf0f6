package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/feed"
	"tradecore/internal/logger"
	"tradecore/internal/models"
)

type recorder struct {
	mu   sync.Mutex
	seen []Notification
}

func (r *recorder) notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func (r *recorder) transitions() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.seen {
		if n.Kind == KindTransition {
			out = append(out, n)
		}
	}
	return out
}

type fakeSnapshots struct {
	snaps map[string]models.Snapshot
	err   error
}

func (f *fakeSnapshots) Snapshots(_ context.Context, _ []string) (map[string]models.Snapshot, error) {
	return f.snaps, f.err
}

func newTestMonitor(rec *recorder, opts ...Option) *Monitor {
	opts = append(opts, WithNotifier(rec.notify))
	return NewMonitor(Config{
		Staleness: 5 * time.Second,
		Tier:      feed.Premium,
		TickSize:  0.01,
		MaxTicks:  2,
		MaxSkew:   2 * time.Second,
	}, logger.Discard(), opts...)
}

func TestIsStale(t *testing.T) {
	m := newTestMonitor(&recorder{})
	now := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

	assert.True(t, m.IsStale("AAPL", now, 5*time.Second), "unknown symbol")

	m.NoteEvent("AAPL", now.Add(-20*time.Millisecond), now)
	assert.False(t, m.IsStale("AAPL", now, 5*time.Second))
	assert.False(t, m.IsStale("aapl", now.Add(4999*time.Millisecond), 5*time.Second))
	assert.True(t, m.IsStale("AAPL", now.Add(5*time.Second), 5*time.Second))

	m.NoteEvent("AAPL", now.Add(10*time.Second), now.Add(10*time.Second))
	assert.False(t, m.IsStale("AAPL", now.Add(10*time.Second), 5*time.Second))
}

func TestWatchdogScenario(t *testing.T) {
	rec := &recorder{}
	m := newTestMonitor(rec)
	t0 := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

	for i := 0; i <= 10; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		m.NoteEvent("AAPL", at.Add(-15*time.Millisecond), at)
		assert.Empty(t, m.Tick(at))
		assert.Equal(t, StateOK, m.Status("AAPL", at))
	}

	last := t0.Add(10 * time.Second)
	for s := 1; s < 5; s++ {
		assert.Empty(t, m.Tick(last.Add(time.Duration(s)*time.Second)))
	}

	fired := m.Tick(last.Add(5 * time.Second))
	require.Len(t, fired, 1)
	assert.Equal(t, StateOK, fired[0].From)
	assert.Equal(t, StateStale, fired[0].To)
	assert.Equal(t, last.Add(5*time.Second), fired[0].At)
	assert.Equal(t, StateStale, m.Status("AAPL", last.Add(6*time.Second)))

	assert.Empty(t, m.Tick(last.Add(6*time.Second)), "no repeated transition")

	m.NoteEvent("AAPL", last.Add(7*time.Second), last.Add(7*time.Second))
	assert.Equal(t, StateOK, m.Status("AAPL", last.Add(7*time.Second)))

	got := rec.transitions()
	require.Len(t, got, 2)
	assert.Equal(t, StateStale, got[0].To)
	assert.Equal(t, StateStale, got[1].From)
	assert.Equal(t, StateOK, got[1].To)
}

func TestFallbackTierDoublesThreshold(t *testing.T) {
	m := NewMonitor(Config{Staleness: 5 * time.Second, Tier: feed.Fallback}, logger.Discard())
	assert.Equal(t, 10*time.Second, m.Threshold())

	t0 := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	m.NoteEvent("SPY", t0, t0)
	assert.Empty(t, m.Tick(t0.Add(7*time.Second)))
	assert.Len(t, m.Tick(t0.Add(10*time.Second)), 1)
}

func TestLatencyPercentiles(t *testing.T) {
	m := newTestMonitor(&recorder{})
	t0 := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

	// Out of order on purpose; percentiles sort the window.
	for _, ms := range []int{7, 3, 10, 1, 5, 9, 2, 8, 4, 6} {
		ev := t0.Add(time.Duration(ms) * time.Second)
		m.NoteEvent("MSFT", ev, ev.Add(time.Duration(ms)*time.Millisecond))
	}
	m.NoteEvent("MSFT", t0.Add(time.Minute), t0.Add(time.Minute-time.Second))

	lat := m.Latency("MSFT")
	assert.Equal(t, 10, lat.Samples, "negative latency is discarded")
	assert.Equal(t, 5500*time.Microsecond, lat.P50)
	assert.Equal(t, 9550*time.Microsecond, lat.P95)
}

func TestLatencyWindowEvictsOldest(t *testing.T) {
	w := newLatencyWindow(3)
	for _, d := range []time.Duration{100, 1, 2, 3} {
		w.add(d)
	}
	lat := w.summary()
	assert.Equal(t, 3, lat.Samples)
	assert.Equal(t, time.Duration(2), lat.P50)
	assert.Equal(t, time.Duration(3), percentile([]time.Duration{1, 2, 3}, 1))
}

func TestCrosscheckDegradesAndRecovers(t *testing.T) {
	rec := &recorder{}
	src := &fakeSnapshots{}
	m := newTestMonitor(rec, WithSnapshotSource(src))
	t0 := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return t0.Add(time.Second) }

	m.Observe(models.MarketEvent{Kind: models.EventKindTrade, Symbol: "AAPL", Price: 100.00, EventTime: t0, IngestAt: t0})

	src.snaps = map[string]models.Snapshot{"AAPL": {Symbol: "AAPL", Price: 100.50, Timestamp: t0}}
	mismatches, err := m.Crosscheck(context.Background(), []string{"AAPL"})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.InDelta(t, 0.5, mismatches[0].Delta, 1e-9)
	assert.Equal(t, StateDegraded, m.Status("AAPL", t0.Add(time.Second)))

	// Fresh events do not clear DEGRADED; only a clean cross-check does.
	m.NoteEvent("AAPL", t0.Add(time.Second), t0.Add(time.Second))
	assert.Equal(t, StateDegraded, m.Status("AAPL", t0.Add(time.Second)))

	src.snaps["AAPL"] = models.Snapshot{Symbol: "AAPL", Price: 100.01, Timestamp: t0}
	mismatches, err = m.Crosscheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
	assert.Equal(t, StateOK, m.Status("AAPL", t0.Add(time.Second)))

	got := rec.transitions()
	require.Len(t, got, 2)
	assert.Equal(t, StateDegraded, got[0].To)
	assert.Equal(t, StateOK, got[1].To)
}

func TestCrosscheckTimestampSkew(t *testing.T) {
	src := &fakeSnapshots{}
	m := newTestMonitor(&recorder{}, WithSnapshotSource(src))
	t0 := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

	m.Observe(models.MarketEvent{Kind: models.EventKindTrade, Symbol: "AAPL", Price: 100, EventTime: t0, IngestAt: t0})
	src.snaps = map[string]models.Snapshot{"AAPL": {Symbol: "AAPL", Price: 100, Timestamp: t0.Add(3 * time.Second)}}

	mismatches, err := m.Crosscheck(context.Background(), []string{"aapl"})
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, 3*time.Second, mismatches[0].Skew)
}

func TestCrosscheckSkipsSymbolsWithoutPrice(t *testing.T) {
	src := &fakeSnapshots{snaps: map[string]models.Snapshot{"AAPL": {Price: 1}}}
	m := newTestMonitor(&recorder{}, WithSnapshotSource(src))
	t0 := time.Now()

	m.Observe(models.MarketEvent{Kind: models.EventKindQuote, Symbol: "AAPL", Price: 50, EventTime: t0, IngestAt: t0})
	mismatches, err := m.Crosscheck(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	src.err = errors.New("boom")
	_, err = m.Crosscheck(context.Background(), nil)
	assert.Error(t, err)
}

func TestNotifierPanicIsContained(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(Config{Staleness: time.Second}, logger.Discard(),
		WithNotifier(func(Notification) { panic("operator hook") }),
		WithNotifier(rec.notify),
	)
	t0 := time.Now()
	m.NoteEvent("AAPL", t0, t0)

	assert.NotPanics(t, func() { m.Tick(t0.Add(2 * time.Second)) })
	assert.Len(t, rec.transitions(), 1)
}

func TestDisconnectKeepsHistory(t *testing.T) {
	rec := &recorder{}
	m := newTestMonitor(rec)
	t0 := time.Now()
	m.NoteEvent("AAPL", t0, t0.Add(time.Millisecond))

	m.NoteDisconnect(t0, errors.New("read: connection reset"))
	m.NoteReconnect(t0.Add(time.Second))

	assert.Equal(t, 1, m.Latency("AAPL").Samples)
	require.Len(t, rec.seen, 2)
	assert.Equal(t, KindDisconnect, rec.seen[0].Kind)
	assert.Equal(t, "read: connection reset", rec.seen[0].Reason)
	assert.Equal(t, KindReconnect, rec.seen[1].Kind)
}

func TestSnapshotAndMaxSilence(t *testing.T) {
	m := newTestMonitor(&recorder{})
	t0 := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)
	m.Observe(models.MarketEvent{Kind: models.EventKindBar, Symbol: "MSFT", Price: 410.5, EventTime: t0, IngestAt: t0.Add(2 * time.Millisecond)})
	m.Observe(models.MarketEvent{Kind: models.EventKindTrade, Symbol: "AAPL", Price: 190.1, EventTime: t0, IngestAt: t0.Add(3 * time.Second)})

	report := m.Snapshot()
	require.Len(t, report, 2)
	assert.Equal(t, "AAPL", report[0].Symbol)
	assert.Equal(t, 190.1, report[0].LastPrice)
	assert.Equal(t, StateOK, report[1].State)

	start := t0.Add(-time.Minute)
	assert.Equal(t, 7*time.Second-2*time.Millisecond, m.MaxSilence([]string{"AAPL", "MSFT"}, t0.Add(7*time.Second), start))
	assert.Equal(t, time.Minute+7*time.Second, m.MaxSilence([]string{"TSLA"}, t0.Add(7*time.Second), start))
	assert.Equal(t, 3*time.Second, m.MaxP95())
}

func TestPricedButUnseenSymbolIsStale(t *testing.T) {
	rec := &recorder{}
	m := newTestMonitor(rec)
	t0 := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

	m.NotePrice("AAPL", 190, t0)
	report := m.Snapshot()
	require.Len(t, report, 1)
	assert.Equal(t, StateStale, report[0].State)
	assert.Equal(t, StateStale, m.Status("AAPL", t0))
	assert.Empty(t, m.Tick(t0.Add(time.Minute)))

	m.NoteEvent("AAPL", t0, t0)
	assert.Equal(t, StateOK, m.Snapshot()[0].State)
	assert.Equal(t, StateOK, m.Status("AAPL", t0))
}
