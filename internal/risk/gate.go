package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"tradecore/internal/health"
	"tradecore/internal/logger"
	"tradecore/internal/metrics"
	"tradecore/internal/models"
)

type Reason string

const (
	ReasonNone             Reason = ""
	ReasonKillSwitch       Reason = "KILL_SWITCH_ACTIVE"
	ReasonLiveUnconfirmed  Reason = "LIVE_TRADING_UNCONFIRMED"
	ReasonDailyLoss        Reason = "DAILY_LOSS_LIMIT"
	ReasonCooldown         Reason = "COOLDOWN"
	ReasonMaxPositions     Reason = "MAX_POSITIONS"
	ReasonNotionalCap      Reason = "NOTIONAL_CAP"
	ReasonPerTradeRisk     Reason = "PER_TRADE_RISK"
	ReasonOptionsGuardrail Reason = "OPTIONS_GUARDRAIL"
	ReasonDataUnreliable   Reason = "DATA_UNRELIABLE"
	ReasonInputUnavailable Reason = "INPUT_UNAVAILABLE"
)

// optionMultiplier is the share count of one listed equity option contract.
const optionMultiplier = 100

// Decision is a first-class result; a denial is not an error.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason Reason `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func allow() Decision {
	return Decision{Allow: true}
}

func deny(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

type OptionMetrics struct {
	OpenInterest int       `json:"open_interest"`
	Volume       int       `json:"volume"`
	Delta        float64   `json:"delta"`
	Price        float64   `json:"price"`
	Expiry       time.Time `json:"expiry"`
}

// AccountState is the input snapshot for one evaluation. Nil pointers and missing
// map entries mean "unknown", which fails closed.
type AccountState struct {
	Equity      *float64
	RealizedPnL *float64
	Positions   []models.Position
	LastTradeAt map[string]time.Time
	MarkPrices  map[string]float64
	Options     map[string]OptionMetrics

	// PositionsUnknown is set when positions could not be read.
	PositionsUnknown bool
}

type KillSwitch interface {
	Engaged() bool
}

type FeedStatus interface {
	Status(symbol string, now time.Time) health.State
}

type GateConfig struct {
	Live           bool
	LiveConfirmed  bool
	FallbackEquity float64
}

type Gate struct {
	ks   KillSwitch
	feed FeedStatus
	cfg  GateConfig
	log  *logger.Logger
	now  func() time.Time
}

func NewGate(ks KillSwitch, feed FeedStatus, cfg GateConfig, log *logger.Logger) *Gate {
	return &Gate{ks: ks, feed: feed, cfg: cfg, log: log, now: time.Now}
}

// SetClock replaces the wall clock used for cooldown, expiry and feed checks.
func (g *Gate) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Evaluate runs the checks in a fixed order and stops at the first denial.
func (g *Gate) Evaluate(order models.OrderRequest, preset Preset, account AccountState) Decision {
	d := g.evaluate(order, preset, account)
	g.record(order, preset, d)
	return d
}

func (g *Gate) evaluate(order models.OrderRequest, preset Preset, account AccountState) Decision {
	if g.ks == nil {
		return deny(ReasonKillSwitch, "kill switch state unavailable")
	}
	if g.ks.Engaged() {
		return deny(ReasonKillSwitch, "kill switch engaged")
	}
	if g.cfg.Live && !g.cfg.LiveConfirmed {
		return deny(ReasonLiveUnconfirmed, "live mode requires explicit confirmation")
	}

	now := g.now()
	symbol := strings.ToUpper(order.Symbol)

	if account.RealizedPnL == nil {
		return deny(ReasonInputUnavailable, "realized P&L unknown")
	}
	if loss := -*account.RealizedPnL; loss >= preset.DailyLossLimit {
		return deny(ReasonDailyLoss, "realized loss %.2f reached limit %.2f", loss, preset.DailyLossLimit)
	}
	if account.PositionsUnknown {
		return deny(ReasonInputUnavailable, "open positions unknown")
	}

	if cooldown := preset.Cooldown(); cooldown > 0 {
		if last, ok := account.LastTradeAt[symbol]; ok {
			if elapsed := now.Sub(last); elapsed < cooldown {
				return deny(ReasonCooldown, "last trade %s ago, cooldown %s", elapsed.Truncate(time.Second), cooldown)
			}
		}
	}

	existing, held := findPosition(account.Positions, symbol)
	if !held {
		open := openPositions(account.Positions)
		if open >= preset.MaxPositions {
			return deny(ReasonMaxPositions, "%d open positions, limit %d", open, preset.MaxPositions)
		}
	}

	price, ok := referencePrice(order, account)
	if !ok {
		return deny(ReasonInputUnavailable, "no reference price for %s", symbol)
	}
	multiplier := decimal.NewFromInt(1)
	if order.IsOption() {
		multiplier = decimal.NewFromInt(optionMultiplier)
	}
	additional := additionalNotional(order, existing, price).Mul(multiplier)

	symbolExposure := decimal.NewFromFloat(existing.Notional).Abs()
	capLimit := decimal.NewFromFloat(preset.PerSymbolNotionalCap)
	if additional.IsPositive() && symbolExposure.Add(additional).GreaterThan(capLimit) {
		return deny(ReasonNotionalCap, "%s exposure %s + %s exceeds cap %s",
			symbol, symbolExposure.StringFixed(2), additional.StringFixed(2), capLimit.StringFixed(2))
	}
	if additional.IsPositive() && preset.MaxPortfolioNotional > 0 {
		portfolio := portfolioNotional(account.Positions)
		limit := decimal.NewFromFloat(preset.MaxPortfolioNotional)
		if portfolio.Add(additional).GreaterThan(limit) {
			return deny(ReasonNotionalCap, "portfolio exposure %s + %s exceeds cap %s",
				portfolio.StringFixed(2), additional.StringFixed(2), limit.StringFixed(2))
		}
	}

	equity, ok := g.equity(account)
	if !ok {
		return deny(ReasonInputUnavailable, "account equity unknown")
	}
	budget := decimal.NewFromFloat(preset.PerTradeRiskPct).Div(decimal.NewFromInt(100)).Mul(decimal.NewFromFloat(equity))
	atRisk := additional
	if additional.IsPositive() && order.Bracket != nil && order.Bracket.StopLoss > 0 {
		perUnit := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(order.Bracket.StopLoss)).Abs()
		atRisk = perUnit.Mul(decimal.NewFromFloat(order.Qty)).Mul(multiplier)
	}
	if atRisk.GreaterThan(budget) {
		return deny(ReasonPerTradeRisk, "risk %s exceeds %.2f%% of equity (%s)",
			atRisk.StringFixed(2), preset.PerTradeRiskPct, budget.StringFixed(2))
	}

	if order.IsOption() && additional.IsPositive() {
		if d := g.checkOption(order, preset.Options, account, now); !d.Allow {
			return d
		}
	}

	if g.feed == nil {
		return deny(ReasonInputUnavailable, "feed health unavailable")
	}
	underlying := order.Underlying()
	if state := g.feed.Status(underlying, now); state != health.StateOK {
		return deny(ReasonDataUnreliable, "%s feed is %s", underlying, state)
	}

	return allow()
}

func (g *Gate) checkOption(order models.OrderRequest, rules OptionsRules, account AccountState, now time.Time) Decision {
	m, ok := account.Options[strings.ToUpper(order.Symbol)]
	if !ok {
		return deny(ReasonInputUnavailable, "no option metrics for %s", order.Symbol)
	}
	if m.OpenInterest < rules.MinOI {
		return deny(ReasonOptionsGuardrail, "open interest %d below %d", m.OpenInterest, rules.MinOI)
	}
	if m.Volume < rules.MinVolume {
		return deny(ReasonOptionsGuardrail, "volume %d below %d", m.Volume, rules.MinVolume)
	}
	delta := m.Delta
	if delta < 0 {
		delta = -delta
	}
	if delta < rules.DeltaBand.Min || delta > rules.DeltaBand.Max {
		return deny(ReasonOptionsGuardrail, "|delta| %.2f outside [%.2f, %.2f]", delta, rules.DeltaBand.Min, rules.DeltaBand.Max)
	}
	if rules.MaxPrice > 0 && m.Price > rules.MaxPrice {
		return deny(ReasonOptionsGuardrail, "premium %.2f above %.2f", m.Price, rules.MaxPrice)
	}
	if m.Expiry.IsZero() {
		return deny(ReasonInputUnavailable, "no expiry for %s", order.Symbol)
	}
	dte := daysToExpiry(now, m.Expiry)
	if dte < rules.DTEWindow.Min || dte > rules.DTEWindow.Max {
		return deny(ReasonOptionsGuardrail, "%d days to expiry outside [%d, %d]", dte, rules.DTEWindow.Min, rules.DTEWindow.Max)
	}
	return allow()
}

func (g *Gate) equity(account AccountState) (float64, bool) {
	if account.Equity != nil && *account.Equity > 0 {
		return *account.Equity, true
	}
	if g.cfg.FallbackEquity > 0 {
		return g.cfg.FallbackEquity, true
	}
	return 0, false
}

func (g *Gate) record(order models.OrderRequest, preset Preset, d Decision) {
	label := string(d.Reason)
	if d.Allow {
		label = "ALLOW"
	}
	metrics.RiskDecisions.WithLabelValues(label).Inc()

	entry := g.logEntry().WithFields(logrus.Fields{
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		"qty":             order.Qty,
		"client_order_id": order.ClientOrderID,
		"preset":          preset.Name,
		"at":              g.now().UTC().Format(time.RFC3339Nano),
	})
	if d.Allow {
		entry.Debug("Order approved.")
		return
	}
	entry.WithField("reason", string(d.Reason)).WithField("detail", d.Detail).Warn("Order denied.")
}

func (g *Gate) logEntry() *logrus.Entry {
	return g.log.WithComponent("risk")
}

func referencePrice(order models.OrderRequest, account AccountState) (float64, bool) {
	if order.LimitPrice != nil && *order.LimitPrice > 0 {
		return *order.LimitPrice, true
	}
	price, ok := account.MarkPrices[strings.ToUpper(order.Symbol)]
	return price, ok && price > 0
}

// additionalNotional is the exposure the order adds; reducing or closing orders add none.
func additionalNotional(order models.OrderRequest, existing models.Position, price float64) decimal.Decimal {
	held := decimal.NewFromFloat(existing.Qty)
	qty := decimal.NewFromFloat(order.Qty)
	post := held.Add(qty)
	if order.Side == models.OrderSideSell {
		post = held.Sub(qty)
	}
	added := post.Abs().Sub(held.Abs())
	if !added.IsPositive() {
		return decimal.Zero
	}
	return added.Mul(decimal.NewFromFloat(price))
}

func findPosition(positions []models.Position, symbol string) (models.Position, bool) {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) && p.Qty != 0 {
			return p, true
		}
	}
	return models.Position{}, false
}

func openPositions(positions []models.Position) int {
	n := 0
	for _, p := range positions {
		if p.Qty != 0 {
			n++
		}
	}
	return n
}

func portfolioNotional(positions []models.Position) decimal.Decimal {
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(decimal.NewFromFloat(p.Notional).Abs())
	}
	return total
}

func daysToExpiry(now, expiry time.Time) int {
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	y, m, d = expiry.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return int(end.Sub(start).Hours() / 24)
}
