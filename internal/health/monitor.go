package health

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tradecore/internal/feed"
	"tradecore/internal/logger"
	"tradecore/internal/metrics"
	"tradecore/internal/models"
)

type Config struct {
	Staleness        time.Duration
	Tier             feed.Tier
	WatchdogInterval time.Duration
	LatencyWindow    int
	TickSize         float64
	MaxTicks         int
	MaxSkew          time.Duration
}

type SnapshotSource interface {
	Snapshots(ctx context.Context, symbols []string) (map[string]models.Snapshot, error)
}

type BarSource interface {
	Bars(ctx context.Context, symbols []string, start, end time.Time) (map[string][]models.Bar, error)
}

// HaltCalendar reports trading halts so that halted minutes are not counted as gaps.
type HaltCalendar interface {
	Halted(symbol string, at time.Time) bool
}

type Option func(*Monitor)

func WithSnapshotSource(src SnapshotSource) Option {
	return func(m *Monitor) { m.snapshots = src }
}

func WithBarSource(src BarSource) Option {
	return func(m *Monitor) { m.bars = src }
}

func WithHaltCalendar(halts HaltCalendar) Option {
	return func(m *Monitor) { m.halts = halts }
}

func WithNotifier(n Notifier) Option {
	return func(m *Monitor) {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// Monitor tracks per-symbol feed health. Symbol state is sharded: the map lock is only
// held to find or create an entry, each symbol has its own mutex.
type Monitor struct {
	cfg       Config
	threshold time.Duration
	log       *logger.Logger
	snapshots SnapshotSource
	bars      BarSource
	halts     HaltCalendar
	notifiers []Notifier
	now       func() time.Time

	mu      sync.RWMutex
	symbols map[string]*symbolState
}

type symbolState struct {
	mu             sync.Mutex
	lastEvent      time.Time
	lastIngest     time.Time
	lastPrice      float64
	lastPriceAt    time.Time
	latency        *latencyWindow
	stale          bool
	degraded       bool
	state          State
	lastTransition time.Time
}

func (s *symbolState) effective() State {
	switch {
	case s.degraded:
		return StateDegraded
	case s.stale:
		return StateStale
	default:
		return StateOK
	}
}

func NewMonitor(cfg Config, log *logger.Logger, opts ...Option) *Monitor {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 5 * time.Second
	}
	if !cfg.Tier.Valid() {
		cfg.Tier = feed.Premium
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = time.Second
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = DefaultLatencyWindow
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = 0.01
	}
	if cfg.MaxTicks < 1 {
		cfg.MaxTicks = 1
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = 2 * time.Second
	}

	m := &Monitor{
		cfg:       cfg,
		threshold: cfg.Tier.StalenessThreshold(cfg.Staleness),
		log:       log,
		now:       time.Now,
		symbols:   make(map[string]*symbolState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold is the staleness threshold after the feed tier adjustment.
func (m *Monitor) Threshold() time.Duration {
	return m.threshold
}

func (m *Monitor) Tier() feed.Tier {
	return m.cfg.Tier
}

// Observe feeds a streamed bar, trade or quote into the monitor.
func (m *Monitor) Observe(ev models.MarketEvent) {
	if ev.Symbol == "" {
		return
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	m.NoteEvent(ev.Symbol, ev.EventTime, ev.IngestAt)
	if ev.Kind != models.EventKindQuote && ev.Price > 0 {
		m.NotePrice(ev.Symbol, ev.Price, ev.EventTime)
	}
}

// NoteEvent records an event arrival: latency sample, last-seen clock, STALE recovery.
func (m *Monitor) NoteEvent(symbol string, eventTs, ingestTs time.Time) {
	symbol = normalize(symbol)
	st, created := m.ensure(symbol)

	st.mu.Lock()
	st.lastEvent = eventTs
	st.lastIngest = ingestTs
	if latency := ingestTs.Sub(eventTs); latency >= 0 {
		st.latency.add(latency)
		metrics.FeedLatency.Observe(latency.Seconds())
	}
	st.stale = false
	if created {
		st.state = StateOK
		st.lastTransition = ingestTs
	}
	n, changed := m.settle(symbol, st, ingestTs, "event received")
	st.mu.Unlock()

	if created {
		m.logEntry().WithField("symbol", symbol).Debug("Tracking new symbol.")
	}
	if changed {
		m.emit(n)
	}
}

// NotePrice stores the latest streamed price used by cross-checks.
func (m *Monitor) NotePrice(symbol string, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	st, _ := m.ensure(normalize(symbol))
	st.mu.Lock()
	if at.IsZero() || !at.Before(st.lastPriceAt) {
		st.lastPrice = price
		st.lastPriceAt = at
	}
	st.mu.Unlock()
}

// IsStale is a pure check; unknown symbols are stale.
func (m *Monitor) IsStale(symbol string, now time.Time, threshold time.Duration) bool {
	st, ok := m.lookup(normalize(symbol))
	if !ok {
		return true
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastIngest.IsZero() {
		return true
	}
	return now.Sub(st.lastIngest) >= threshold
}

// Status reports the state as of now, including staleness the watchdog has not seen yet.
func (m *Monitor) Status(symbol string, now time.Time) State {
	st, ok := m.lookup(normalize(symbol))
	if !ok {
		return StateStale
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.degraded {
		return StateDegraded
	}
	if st.stale || st.lastIngest.IsZero() || now.Sub(st.lastIngest) >= m.threshold {
		return StateStale
	}
	return StateOK
}

// LastPrice returns the latest streamed price for symbol.
func (m *Monitor) LastPrice(symbol string) (float64, bool) {
	st, ok := m.lookup(normalize(symbol))
	if !ok {
		return 0, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastPrice, st.lastPrice > 0
}

func (m *Monitor) Latency(symbol string) Latency {
	st, ok := m.lookup(normalize(symbol))
	if !ok {
		return Latency{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.latency.summary()
}

// Run is the watchdog loop. Silence is the signal, so it runs independently of events.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.WatchdogInterval)
	defer ticker.Stop()

	m.logEntry().WithFields(logrus.Fields{
		"interval":  m.cfg.WatchdogInterval.String(),
		"threshold": m.threshold.String(),
		"feed":      m.cfg.Tier.Name(),
	}).Info("Watchdog started.")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Tick(m.now())
		}
	}
}

// Tick re-evaluates staleness for every known symbol and returns the transitions it fired.
func (m *Monitor) Tick(now time.Time) []Notification {
	var fired []Notification
	for _, symbol := range m.Symbols() {
		if n, ok := m.tickSymbol(symbol, now); ok {
			fired = append(fired, n)
		}
	}
	for _, n := range fired {
		m.emit(n)
	}
	return fired
}

func (m *Monitor) tickSymbol(symbol string, now time.Time) (n Notification, changed bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logEntry().WithField("symbol", symbol).WithField("panic", r).Error("Watchdog evaluation failed.")
			changed = false
		}
	}()

	st, ok := m.lookup(symbol)
	if !ok {
		return Notification{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stale || now.Sub(st.lastIngest) < m.threshold {
		return Notification{}, false
	}
	st.stale = true
	return m.settle(symbol, st, now, "no events for "+now.Sub(st.lastIngest).Truncate(time.Millisecond).String())
}

// NoteDisconnect reports a dropped stream; per-symbol history is kept.
func (m *Monitor) NoteDisconnect(at time.Time, err error) {
	metrics.StreamDisconnects.Inc()
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	m.emit(Notification{Kind: KindDisconnect, At: at, Reason: reason})
}

func (m *Monitor) NoteReconnect(at time.Time) {
	m.emit(Notification{Kind: KindReconnect, At: at})
}

func (m *Monitor) Symbols() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.symbols))
	for sym := range m.symbols {
		out = append(out, sym)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (m *Monitor) Snapshot() []SymbolReport {
	symbols := m.Symbols()
	report := make([]SymbolReport, 0, len(symbols))
	for _, sym := range symbols {
		st, ok := m.lookup(sym)
		if !ok {
			continue
		}
		st.mu.Lock()
		report = append(report, SymbolReport{
			Symbol:         sym,
			State:          st.state,
			LastEventAt:    st.lastEvent,
			LastIngestAt:   st.lastIngest,
			LastTransition: st.lastTransition,
			LastPrice:      st.lastPrice,
			Latency:        st.latency.summary(),
		})
		st.mu.Unlock()
	}
	return report
}

// MaxSilence is the longest time since the last event across the given symbols.
// Symbols never seen count as silent since start.
func (m *Monitor) MaxSilence(symbols []string, now, start time.Time) time.Duration {
	var worst time.Duration
	for _, sym := range symbols {
		since := start
		if st, ok := m.lookup(normalize(sym)); ok {
			st.mu.Lock()
			if !st.lastIngest.IsZero() {
				since = st.lastIngest
			}
			st.mu.Unlock()
		}
		if d := now.Sub(since); d > worst {
			worst = d
		}
	}
	return worst
}

// MaxP95 is the worst p95 latency across tracked symbols.
func (m *Monitor) MaxP95() time.Duration {
	var worst time.Duration
	for _, sym := range m.Symbols() {
		if lat := m.Latency(sym); lat.P95 > worst {
			worst = lat.P95
		}
	}
	return worst
}

// settle must be called with st.mu held.
func (m *Monitor) settle(symbol string, st *symbolState, at time.Time, reason string) (Notification, bool) {
	next := st.effective()
	if next == st.state {
		return Notification{}, false
	}
	prev := st.state
	st.state = next
	st.lastTransition = at
	return Notification{
		Kind:   KindTransition,
		Symbol: symbol,
		From:   prev,
		To:     next,
		At:     at,
		Reason: reason,
	}, true
}

func (m *Monitor) emit(n Notification) {
	entry := m.logEntry().WithFields(logrus.Fields{
		"event": string(n.Kind),
		"at":    n.At.UTC().Format(time.RFC3339Nano),
	})
	if n.Symbol != "" {
		entry = entry.WithField("symbol", n.Symbol)
	}
	if n.Reason != "" {
		entry = entry.WithField("reason", n.Reason)
	}

	switch n.Kind {
	case KindTransition:
		metrics.HealthTransitions.WithLabelValues(string(n.To)).Inc()
		entry = entry.WithField("from", string(n.From)).WithField("to", string(n.To))
		if n.To == StateOK {
			entry.Info("Feed recovered.")
		} else {
			entry.Warn("Feed health changed.")
		}
	case KindReconnect:
		entry.Info("Stream reconnected.")
	default:
		entry.Warn("Feed health event.")
	}

	for _, notify := range m.notifiers {
		m.safeNotify(notify, n)
	}
}

func (m *Monitor) safeNotify(notify Notifier, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			m.logEntry().WithField("panic", r).Error("Health notifier failed.")
		}
	}()
	notify(n)
}

func (m *Monitor) ensure(symbol string) (*symbolState, bool) {
	m.mu.RLock()
	st, ok := m.symbols[symbol]
	m.mu.RUnlock()
	if ok {
		return st, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.symbols[symbol]; ok {
		return st, false
	}
	// Nothing has been ingested yet, so the symbol starts stale.
	st = &symbolState{latency: newLatencyWindow(m.cfg.LatencyWindow), stale: true, state: StateStale}
	m.symbols[symbol] = st
	return st, true
}

func (m *Monitor) lookup(symbol string) (*symbolState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.symbols[symbol]
	return st, ok
}

func (m *Monitor) logEntry() *logrus.Entry {
	return m.log.WithComponent("feed_health")
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
