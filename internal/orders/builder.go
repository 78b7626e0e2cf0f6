package orders

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/models"
)

// MaxClientOrderIDLen is the broker's limit on client_order_id.
const MaxClientOrderIDLen = 128

var (
	ErrMissingLimitPrice  = errors.New("limit price is required")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrMissingSymbol      = errors.New("symbol is required")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInvalidSide        = errors.New("side must be buy or sell")
	ErrMissingTimeInForce = errors.New("time in force is required")
	ErrInvalidTimeInForce = errors.New("time in force not allowed")
	ErrInvalidBracket     = errors.New("bracket legs are inconsistent")
	ErrInvalidClientID    = errors.New("client order id is invalid")
)

// ValidationError is returned before any network call is made.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error) error {
	return &ValidationError{Field: field, Err: err}
}

type options struct {
	clientOrderID string
	now           func() time.Time
}

type Option func(*options)

// WithClientOrderID supplies the idempotency key instead of deriving one.
func WithClientOrderID(id string) Option {
	return func(o *options) { o.clientOrderID = id }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func Market(symbol string, qty float64, side models.OrderSide, tif models.TimeInForce, opts ...Option) (models.OrderRequest, error) {
	return build(params{
		symbol: symbol,
		qty:    qty,
		side:   side,
		tif:    tif,
		typ:    models.OrderTypeMarket,
		class:  models.OrderClassSimple,
	}, opts)
}

func Limit(symbol string, qty float64, side models.OrderSide, tif models.TimeInForce, limitPrice *float64, opts ...Option) (models.OrderRequest, error) {
	return build(params{
		symbol:     symbol,
		qty:        qty,
		side:       side,
		tif:        tif,
		typ:        models.OrderTypeLimit,
		class:      models.OrderClassSimple,
		limitPrice: limitPrice,
	}, opts)
}

func BracketMarket(symbol string, qty float64, side models.OrderSide, tif models.TimeInForce, legs models.BracketLegs, opts ...Option) (models.OrderRequest, error) {
	return build(params{
		symbol:  symbol,
		qty:     qty,
		side:    side,
		tif:     tif,
		typ:     models.OrderTypeMarket,
		class:   models.OrderClassBracket,
		bracket: &legs,
	}, opts)
}

func BracketLimit(symbol string, qty float64, side models.OrderSide, tif models.TimeInForce, limitPrice *float64, legs models.BracketLegs, opts ...Option) (models.OrderRequest, error) {
	return build(params{
		symbol:     symbol,
		qty:        qty,
		side:       side,
		tif:        tif,
		typ:        models.OrderTypeLimit,
		class:      models.OrderClassBracket,
		limitPrice: limitPrice,
		bracket:    &legs,
	}, opts)
}

type params struct {
	symbol     string
	qty        float64
	side       models.OrderSide
	tif        models.TimeInForce
	typ        models.OrderType
	class      models.OrderClass
	limitPrice *float64
	bracket    *models.BracketLegs
}

func build(s params, opts []Option) (models.OrderRequest, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	symbol := strings.ToUpper(strings.TrimSpace(s.symbol))
	if symbol == "" {
		return models.OrderRequest{}, invalid("symbol", ErrMissingSymbol)
	}
	if !positive(s.qty) {
		return models.OrderRequest{}, invalid("qty", ErrInvalidQuantity)
	}
	side := models.OrderSide(strings.ToLower(string(s.side)))
	if side != models.OrderSideBuy && side != models.OrderSideSell {
		return models.OrderRequest{}, invalid("side", ErrInvalidSide)
	}
	tif, err := normalizeTIF(s.tif, s.class)
	if err != nil {
		return models.OrderRequest{}, err
	}

	var limit *float64
	if s.typ == models.OrderTypeLimit {
		if s.limitPrice == nil {
			return models.OrderRequest{}, invalid("limit_price", ErrMissingLimitPrice)
		}
		if !positive(*s.limitPrice) {
			return models.OrderRequest{}, invalid("limit_price", ErrInvalidPrice)
		}
		price := *s.limitPrice
		limit = &price
	}

	asset := models.AssetClassEquity
	if models.IsOptionSymbol(symbol) {
		asset = models.AssetClassOption
	}

	var legs *models.BracketLegs
	if s.class == models.OrderClassBracket {
		if asset == models.AssetClassOption {
			return models.OrderRequest{}, invalid("order_class", fmt.Errorf("%w: options do not support brackets", ErrInvalidBracket))
		}
		if err := checkBracket(side, limit, *s.bracket); err != nil {
			return models.OrderRequest{}, err
		}
		copied := *s.bracket
		legs = &copied
	}

	now := o.now()
	id := strings.TrimSpace(o.clientOrderID)
	if id == "" {
		id = DeriveClientOrderID(symbol, side, now)
	}
	if len(id) > MaxClientOrderIDLen {
		return models.OrderRequest{}, invalid("client_order_id", fmt.Errorf("%w: longer than %d", ErrInvalidClientID, MaxClientOrderIDLen))
	}

	return models.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Qty:           s.qty,
		Type:          s.typ,
		TimeInForce:   tif,
		Class:         s.class,
		AssetClass:    asset,
		LimitPrice:    limit,
		Bracket:       legs,
		ClientOrderID: id,
		CreatedAt:     now,
	}, nil
}

// DeriveClientOrderID builds <symbol>-<side>-<unixmilli>-<random>. The random part
// keeps two calls in the same millisecond apart.
func DeriveClientOrderID(symbol string, side models.OrderSide, at time.Time) string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s-%s-%d-%s", symbol, side, at.UnixMilli(), raw[:12])
}

func normalizeTIF(tif models.TimeInForce, class models.OrderClass) (models.TimeInForce, error) {
	normalized := models.TimeInForce(strings.ToLower(strings.TrimSpace(string(tif))))
	if normalized == "" {
		return "", invalid("time_in_force", ErrMissingTimeInForce)
	}
	switch normalized {
	case models.TimeInForceDay, models.TimeInForceGTC:
	case models.TimeInForceIOC, models.TimeInForceFOK, models.TimeInForceOPG, models.TimeInForceCLS:
		if class == models.OrderClassBracket {
			return "", invalid("time_in_force", fmt.Errorf("%w: bracket orders take day or gtc", ErrInvalidTimeInForce))
		}
	default:
		return "", invalid("time_in_force", fmt.Errorf("%w: %q", ErrInvalidTimeInForce, tif))
	}
	return normalized, nil
}

// checkBracket requires the exits on the correct side of each other and of the entry.
func checkBracket(side models.OrderSide, entry *float64, legs models.BracketLegs) error {
	if !positive(legs.TakeProfit) || !positive(legs.StopLoss) {
		return invalid("bracket", fmt.Errorf("%w: take profit and stop loss must be positive", ErrInvalidBracket))
	}
	lo, hi := legs.StopLoss, legs.TakeProfit
	if side == models.OrderSideSell {
		lo, hi = legs.TakeProfit, legs.StopLoss
	}
	if lo >= hi {
		return invalid("bracket", fmt.Errorf("%w: take profit %.4f and stop loss %.4f for %s", ErrInvalidBracket, legs.TakeProfit, legs.StopLoss, side))
	}
	if entry != nil && (*entry <= lo || *entry >= hi) {
		return invalid("bracket", fmt.Errorf("%w: entry %.4f outside exits", ErrInvalidBracket, *entry))
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
