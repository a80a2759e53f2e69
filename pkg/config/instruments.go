package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StrategyConfig selects a compiled-in strategy and its parameters.
type StrategyConfig struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// StopConfig configures the protective stop.
type StopConfig struct {
	Percent           float64 `yaml:"percent"`            // fixed stop, e.g. 6 = 6%
	Trailing          bool    `yaml:"trailing"`           // enable trailing stop
	TrailingPercent   float64 `yaml:"trailing_percent"`   // distance below the high
	ActivationPercent float64 `yaml:"activation_percent"` // gain above entry before trailing
}

// RiskConfig holds per-instrument limits. Percent values are whole percents.
type RiskConfig struct {
	MaxDailyTrades       int     `yaml:"max_daily_trades"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	MaxDailyLossPercent  float64 `yaml:"max_daily_loss_percent"`
	MaxDrawdownPercent   float64 `yaml:"max_drawdown_percent"`
}

// InstrumentConfig is one traded symbol.
type InstrumentConfig struct {
	Symbol     string         `yaml:"symbol"`
	BaseAsset  string         `yaml:"base_asset"`
	QuoteAsset string         `yaml:"quote_asset"`
	Interval   string         `yaml:"interval"`
	Capital    float64        `yaml:"capital"`
	Enabled    *bool          `yaml:"enabled"`
	Strategy   StrategyConfig `yaml:"strategy"`
	Stop       StopConfig     `yaml:"stop"`
	Risk       RiskConfig     `yaml:"risk"`
}

// IsEnabled defaults to true when the flag is omitted.
func (ic InstrumentConfig) IsEnabled() bool {
	return ic.Enabled == nil || *ic.Enabled
}

// instrumentsFile represents the top-level YAML structure.
type instrumentsFile struct {
	Instruments []InstrumentConfig `yaml:"instruments"`
}

var knownQuotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "BTC", "ETH", "BNB", "EUR", "TRY"}

// LoadInstruments reads and validates the instruments YAML file.
func LoadInstruments(path string) ([]InstrumentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instruments file: %w", err)
	}
	return ParseInstruments(data)
}

// ParseInstruments decodes instrument YAML, applies defaults and validates entries.
func ParseInstruments(data []byte) ([]InstrumentConfig, error) {
	var file instrumentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse instruments: %w", err)
	}
	if len(file.Instruments) == 0 {
		return nil, errors.New("no instruments configured")
	}

	seen := make(map[string]bool, len(file.Instruments))
	out := make([]InstrumentConfig, 0, len(file.Instruments))
	for i, ic := range file.Instruments {
		ic.applyDefaults()
		if err := ic.Validate(); err != nil {
			return nil, fmt.Errorf("instrument #%d (%s): %w", i+1, ic.Symbol, err)
		}
		if seen[ic.Symbol] {
			return nil, fmt.Errorf("instrument %s listed twice", ic.Symbol)
		}
		seen[ic.Symbol] = true
		out = append(out, ic)
	}
	return out, nil
}

func (ic *InstrumentConfig) applyDefaults() {
	ic.Symbol = strings.ToUpper(strings.TrimSpace(ic.Symbol))
	if ic.QuoteAsset == "" {
		for _, q := range knownQuotes {
			if strings.HasSuffix(ic.Symbol, q) && len(ic.Symbol) > len(q) {
				ic.QuoteAsset = q
				break
			}
		}
	}
	ic.QuoteAsset = strings.ToUpper(ic.QuoteAsset)
	if ic.BaseAsset == "" && ic.QuoteAsset != "" {
		ic.BaseAsset = strings.TrimSuffix(ic.Symbol, ic.QuoteAsset)
	}
	ic.BaseAsset = strings.ToUpper(ic.BaseAsset)
	if ic.Interval == "" {
		ic.Interval = "15m"
	}
	if ic.Strategy.Name == "" {
		ic.Strategy.Name = "ma_cross"
	}
	if ic.Stop.Percent <= 0 {
		ic.Stop.Percent = 6
	}
	if ic.Stop.Trailing && ic.Stop.TrailingPercent <= 0 {
		ic.Stop.TrailingPercent = 3
	}
	if ic.Risk.MaxDailyTrades <= 0 {
		ic.Risk.MaxDailyTrades = 10
	}
	if ic.Risk.MaxConsecutiveLosses <= 0 {
		ic.Risk.MaxConsecutiveLosses = 3
	}
	if ic.Risk.MaxDailyLossPercent <= 0 {
		ic.Risk.MaxDailyLossPercent = 5
	}
	if ic.Risk.MaxDrawdownPercent <= 0 {
		ic.Risk.MaxDrawdownPercent = 20
	}
}

// Validate rejects entries the engine cannot trade.
func (ic InstrumentConfig) Validate() error {
	switch {
	case ic.Symbol == "":
		return errors.New("symbol is required")
	case ic.BaseAsset == "" || ic.QuoteAsset == "":
		return errors.New("base_asset and quote_asset could not be derived")
	case ic.Capital <= 0:
		return errors.New("capital must be positive")
	case ic.Stop.Percent >= 100:
		return errors.New("stop.percent must be below 100")
	case ic.Stop.TrailingPercent < 0 || ic.Stop.TrailingPercent >= 100:
		return errors.New("stop.trailing_percent must be in [0,100)")
	case ic.Risk.MaxDailyLossPercent > 100 || ic.Risk.MaxDrawdownPercent > 100:
		return errors.New("risk percentages must not exceed 100")
	}
	if _, ok := intervals[ic.Interval]; !ok {
		return fmt.Errorf("unsupported interval %q", ic.Interval)
	}
	return nil
}

var intervals = map[string]struct{}{
	"1s": {}, "1m": {}, "3m": {}, "5m": {}, "15m": {}, "30m": {},
	"1h": {}, "2h": {}, "4h": {}, "6h": {}, "8h": {}, "12h": {},
	"1d": {}, "3d": {}, "1w": {},
}
