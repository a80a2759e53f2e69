package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/monitor"
	"spot-engine/internal/risk"
	"spot-engine/internal/state"
	"spot-engine/pkg/exchanges/common"
)

// ExchangeClient is what reconciliation needs from the gateway.
type ExchangeClient interface {
	Balance(ctx context.Context, asset string) (common.Balance, error)
	Price(ctx context.Context, symbol string) (float64, error)
}

// rulesSource is implemented by the gateway; it raises the adoption floor to the
// exchange's minimum notional.
type rulesSource interface {
	SymbolRules(ctx context.Context, symbol string) (common.SymbolRules, error)
}

// PositionStore is the instrument's persisted state.
type PositionStore interface {
	Snapshot() *state.TradingState
	Update(fn func(st *state.TradingState) bool) error
}

// Outcome names what a reconciliation pass did.
type Outcome string

const (
	OutcomeInSync    Outcome = "in_sync"
	OutcomeFlat      Outcome = "flat"
	OutcomeCorrected Outcome = "quantity_corrected"
	OutcomeCleared   Outcome = "cleared"
	OutcomeAdopted   Outcome = "adopted"
	OutcomeSkipped   Outcome = "skipped"
)

// Config for one instrument.
type Config struct {
	Symbol    string
	BaseAsset string
	Dust      float64 // quote value under which a balance is not a position (1.0)
	// MinNotional is the smallest quote value that can be sold. A flat instrument
	// only adopts a balance worth at least this much, so an unsellable remainder
	// left by a dust close is never picked up again.
	MinNotional float64
	Tolerance   float64 // relative quantity difference that is ignored (0.0001)
	Interval    time.Duration
	Stop        risk.StopPolicy
}

// Report contains the result of one pass.
type Report struct {
	Timestamp   time.Time
	Symbol      string
	Outcome     Outcome
	LocalQty    float64
	ExchangeQty float64
	Price       float64
	Difference  float64
	Synced      bool
}

// Service compares the local position with the exchange balance and corrects the
// local side. The exchange is always authoritative.
type Service struct {
	exchange ExchangeClient
	store    PositionStore
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	mu       sync.Mutex
}

func NewService(cfg Config, exchange ExchangeClient, store PositionStore, logger zerolog.Logger) *Service {
	if cfg.Dust <= 0 {
		cfg.Dust = 1.0
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.0001
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Service{
		exchange: exchange,
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "reconcile").Str("symbol", cfg.Symbol).Logger(),
		now:      time.Now,
	}
}

// SetStopPolicy changes the stop used for adopted positions.
func (s *Service) SetStopPolicy(p risk.StopPolicy) {
	s.mu.Lock()
	s.cfg.Stop = p
	s.mu.Unlock()
}

// Start runs VerifyAndSync every interval until ctx is done. It blocks.
func (s *Service) Start(ctx context.Context) {
	s.Loop(ctx, s.cfg.Interval, func(ctx context.Context) error {
		_, err := s.VerifyAndSync(ctx)
		return err
	})
}

// Loop runs pass on a ticker. Callers that coordinate with in-flight trades pass
// their own guarded pass here.
func (s *Service) Loop(ctx context.Context, interval time.Duration, pass func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info().Dur("interval", interval).Msg("reconciliation started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pass(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

// VerifyAndSync compares local and exchange holdings and applies the correction.
// An unresolved pending order makes the balance meaningless, so the pass is skipped.
func (s *Service) VerifyAndSync(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{Timestamp: s.now(), Symbol: s.cfg.Symbol}
	local := s.store.Snapshot()
	if local.Pending != nil {
		report.Outcome = OutcomeSkipped
		s.logger.Debug().Str("client_id", local.Pending.ClientID).Msg("pending order unresolved, reconciliation skipped")
		return report, nil
	}

	bal, err := s.exchange.Balance(ctx, s.cfg.BaseAsset)
	if err != nil {
		return report, fmt.Errorf("reconcile %s balance: %w", s.cfg.Symbol, err)
	}
	price, err := s.exchange.Price(ctx, s.cfg.Symbol)
	if err != nil {
		return report, fmt.Errorf("reconcile %s price: %w", s.cfg.Symbol, err)
	}

	held := bal.Total()
	report.Price = price
	report.LocalQty = local.Quantity
	report.ExchangeQty = held
	report.Difference = local.Quantity - held
	exchangeIn := held*price > s.cfg.Dust
	adoptable := exchangeIn && held*price >= s.tradableFloor(ctx)

	var apply func(st *state.TradingState) bool
	switch {
	case local.InPosition && exchangeIn:
		if local.Quantity > 0 && math.Abs(held-local.Quantity)/local.Quantity <= s.cfg.Tolerance {
			report.Outcome = OutcomeInSync
			return report, nil
		}
		report.Outcome = OutcomeCorrected
		apply = func(st *state.TradingState) bool { return st.AdjustQuantity(held) }
	case local.InPosition:
		report.Outcome = OutcomeCleared
		apply = func(st *state.TradingState) bool { return st.ClearPosition() }
	case adoptable:
		report.Outcome = OutcomeAdopted
		stop := s.cfg.Stop.InitialStop(price)
		at := s.now().UTC()
		apply = func(st *state.TradingState) bool {
			if st.InPosition {
				return false
			}
			st.OpenPosition(price, held, held*price, stop, at)
			return true
		}
	default:
		report.Outcome = OutcomeFlat
		if exchangeIn {
			s.logger.Debug().Float64("exchange_qty", held).Float64("price", price).Msg("untradable remainder left flat")
		}
		return report, nil
	}

	if err := s.store.Update(apply); err != nil {
		return report, fmt.Errorf("reconcile %s: %w", s.cfg.Symbol, err)
	}
	report.Synced = true
	monitor.IncReconcileCorrection(s.cfg.Symbol, string(report.Outcome))
	s.logger.Warn().
		Str("outcome", string(report.Outcome)).
		Float64("local_qty", report.LocalQty).
		Float64("exchange_qty", held).
		Float64("price", price).
		Msg("position corrected from exchange")
	return report, nil
}

// tradableFloor is the larger of the configured floor and the exchange minimum
// notional. A rules lookup failure falls back to the configured floor.
func (s *Service) tradableFloor(ctx context.Context) float64 {
	floor := math.Max(s.cfg.Dust, s.cfg.MinNotional)
	if src, ok := s.exchange.(rulesSource); ok {
		if rules, err := src.SymbolRules(ctx, s.cfg.Symbol); err == nil {
			floor = math.Max(floor, rules.MinNotional)
		}
	}
	return floor
}
