package risk

import (
	"errors"
	"fmt"
	"time"
)

type DeltaBand struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

// DTEWindow bounds days to expiry, inclusive.
type DTEWindow struct {
	Min int `mapstructure:"min" json:"min"`
	Max int `mapstructure:"max" json:"max"`
}

type OptionsRules struct {
	MinOI     int       `mapstructure:"min_oi" json:"min_oi"`
	MinVolume int       `mapstructure:"min_volume" json:"min_volume"`
	DeltaBand DeltaBand `mapstructure:"delta_band" json:"delta_band"`
	MaxPrice  float64   `mapstructure:"max_price" json:"max_price"`
	DTEWindow DTEWindow `mapstructure:"dte_window" json:"dte_window"`
}

// Preset is a named bundle of thresholds. It is read-only once loaded.
type Preset struct {
	Name                 string       `mapstructure:"-" json:"name"`
	DailyLossLimit       float64      `mapstructure:"daily_loss_limit" json:"daily_loss_limit"`
	PerTradeRiskPct      float64      `mapstructure:"per_trade_risk_pct" json:"per_trade_risk_pct"`
	MaxPositions         int          `mapstructure:"max_positions" json:"max_positions"`
	PerSymbolNotionalCap float64      `mapstructure:"per_symbol_notional_cap" json:"per_symbol_notional_cap"`
	MaxPortfolioNotional float64      `mapstructure:"max_portfolio_notional" json:"max_portfolio_notional"`
	CooldownSec          int          `mapstructure:"cooldown_sec" json:"cooldown_sec"`
	Options              OptionsRules `mapstructure:"options" json:"options"`
}

func (p Preset) Cooldown() time.Duration {
	return time.Duration(p.CooldownSec) * time.Second
}

var ErrInvalidPreset = errors.New("invalid risk preset")

func (p Preset) Validate() error {
	switch {
	case p.DailyLossLimit <= 0:
		return fmt.Errorf("%w: daily_loss_limit must be positive", ErrInvalidPreset)
	case p.PerTradeRiskPct <= 0 || p.PerTradeRiskPct > 100:
		return fmt.Errorf("%w: per_trade_risk_pct must be in (0, 100]", ErrInvalidPreset)
	case p.MaxPositions <= 0:
		return fmt.Errorf("%w: max_positions must be positive", ErrInvalidPreset)
	case p.PerSymbolNotionalCap <= 0:
		return fmt.Errorf("%w: per_symbol_notional_cap must be positive", ErrInvalidPreset)
	case p.MaxPortfolioNotional < 0:
		return fmt.Errorf("%w: max_portfolio_notional must not be negative", ErrInvalidPreset)
	case p.CooldownSec < 0:
		return fmt.Errorf("%w: cooldown_sec must not be negative", ErrInvalidPreset)
	case p.Options.MinOI < 0 || p.Options.MinVolume < 0:
		return fmt.Errorf("%w: options liquidity floors must not be negative", ErrInvalidPreset)
	case p.Options.DeltaBand.Min < 0 || p.Options.DeltaBand.Max > 1 || p.Options.DeltaBand.Min > p.Options.DeltaBand.Max:
		return fmt.Errorf("%w: options delta_band must satisfy 0 <= min <= max <= 1", ErrInvalidPreset)
	case p.Options.MaxPrice < 0:
		return fmt.Errorf("%w: options max_price must not be negative", ErrInvalidPreset)
	case p.Options.DTEWindow.Min < 0 || p.Options.DTEWindow.Min > p.Options.DTEWindow.Max:
		return fmt.Errorf("%w: options dte_window must satisfy 0 <= min <= max", ErrInvalidPreset)
	}
	return nil
}

// DefaultPresets returns fresh copies of the built-in presets.
func DefaultPresets() map[string]Preset {
	return map[string]Preset{
		"safe": {
			Name:                 "safe",
			DailyLossLimit:       500,
			PerTradeRiskPct:      0.25,
			MaxPositions:         3,
			PerSymbolNotionalCap: 7500,
			MaxPortfolioNotional: 25000,
			CooldownSec:          300,
			Options: OptionsRules{
				MinOI:     200,
				MinVolume: 100,
				DeltaBand: DeltaBand{Min: 0.20, Max: 0.35},
				MaxPrice:  5,
				DTEWindow: DTEWindow{Min: 7, Max: 45},
			},
		},
		"balanced": {
			Name:                 "balanced",
			DailyLossLimit:       1000,
			PerTradeRiskPct:      0.5,
			MaxPositions:         5,
			PerSymbolNotionalCap: 15000,
			MaxPortfolioNotional: 50000,
			CooldownSec:          180,
			Options: OptionsRules{
				MinOI:     150,
				MinVolume: 75,
				DeltaBand: DeltaBand{Min: 0.18, Max: 0.40},
				MaxPrice:  10,
				DTEWindow: DTEWindow{Min: 3, Max: 45},
			},
		},
		"high": {
			Name:                 "high",
			DailyLossLimit:       2000,
			PerTradeRiskPct:      1.0,
			MaxPositions:         8,
			PerSymbolNotionalCap: 30000,
			MaxPortfolioNotional: 100000,
			CooldownSec:          120,
			Options: OptionsRules{
				MinOI:     100,
				MinVolume: 50,
				DeltaBand: DeltaBand{Min: 0.15, Max: 0.45},
				MaxPrice:  20,
				DTEWindow: DTEWindow{Min: 0, Max: 60},
			},
		},
	}
}
