// Package fleet runs one engine per configured instrument over a shared gateway.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/engine"
	"spot-engine/internal/events"
	"spot-engine/pkg/config"
	"spot-engine/pkg/exchanges/common"
)

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrNoInstruments     = errors.New("no instrument initialized")
)

// maxClockSkew is the local/exchange clock offset that is worth a warning.
const maxClockSkew = 1000 * time.Millisecond

// Instrument is the engine surface the orchestrator drives.
type Instrument interface {
	Symbol() string
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	Failed() (bool, string)
	Status() engine.Status
	ApplyConfig(next config.InstrumentConfig) (restart bool, err error)
	ResetRisk() error
}

// Exchange is the shared gateway plus the account calls made once at startup.
type Exchange interface {
	engine.Gateway
	Balances(ctx context.Context) ([]common.Balance, error)
}

// Clock syncs the signing clock with the exchange and returns the offset in ms.
type Clock interface {
	Sync(ctx context.Context) (int64, error)
}

// Factory builds an engine; tests replace it.
type Factory func(deps engine.Deps, ic config.InstrumentConfig) (Instrument, error)

func defaultFactory(deps engine.Deps, ic config.InstrumentConfig) (Instrument, error) {
	e, err := engine.New(deps, ic)
	if err != nil {
		return nil, err
	}
	return e, nil
}

type Options struct {
	Config   *config.Config
	Gateway  Exchange
	Clock    Clock                               // optional
	Notifier func(symbol string) events.Notifier // optional; scoped per instrument
	Journal  engine.Journal                      // optional
	Factory  Factory                             // optional
	// Closers release shared resources after every engine has stopped, in order.
	Closers []func() error
	Logger  zerolog.Logger
}

type Orchestrator struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	ctx      context.Context
	engines  map[string]Instrument
	order    []string
	failures map[string]string // instruments whose Initialize failed
	closed   bool
}

func New(opts Options) *Orchestrator {
	if opts.Factory == nil {
		opts.Factory = defaultFactory
	}
	if opts.Notifier == nil {
		opts.Notifier = func(string) events.Notifier { return events.Nop{} }
	}
	return &Orchestrator{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "fleet").Logger(),
		ctx:      context.Background(),
		engines:  make(map[string]Instrument),
		failures: make(map[string]string),
	}
}

// Initialize syncs the clock, logs the account and brings up each enabled
// instrument in turn. A failing instrument is recorded and skipped.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	o.ctx = ctx
	o.mu.Unlock()

	if o.opts.Clock != nil {
		offset, err := o.opts.Clock.Sync(ctx)
		switch {
		case err != nil:
			o.logger.Warn().Err(err).Msg("time sync failed, using local clock")
		case time.Duration(abs(offset))*time.Millisecond > maxClockSkew:
			o.logger.Warn().Int64("offset_ms", offset).Msg("local clock skew exceeds 1s")
		default:
			o.logger.Info().Int64("offset_ms", offset).Msg("time synced")
		}
	}
	o.logAccount(ctx)

	delay := o.opts.Config.InterInstrumentDelay
	initialized := 0
	first := true
	for _, ic := range o.opts.Config.Instruments {
		if !ic.IsEnabled() {
			o.logger.Info().Str("symbol", ic.Symbol).Msg("instrument disabled")
			continue
		}
		if !first && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		first = false

		if err := o.initInstrument(ctx, ic); err != nil {
			o.logger.Error().Err(err).Str("symbol", ic.Symbol).Msg("instrument failed to initialize")
			o.mu.Lock()
			o.failures[ic.Symbol] = err.Error()
			o.mu.Unlock()
			o.opts.Notifier(ic.Symbol).Notify(events.EventError, map[string]any{
				"operation": "initialize",
				"error":     err.Error(),
			})
			continue
		}
		initialized++
	}

	if initialized == 0 {
		return ErrNoInstruments
	}
	o.logger.Info().Int("instruments", initialized).Msg("fleet initialized")
	return nil
}

func (o *Orchestrator) initInstrument(ctx context.Context, ic config.InstrumentConfig) error {
	inst, err := o.opts.Factory(engine.Deps{
		Gateway:  o.opts.Gateway,
		Config:   o.opts.Config,
		Notifier: o.opts.Notifier(ic.Symbol),
		Journal:  o.opts.Journal,
		Logger:   o.opts.Logger,
	}, ic)
	if err != nil {
		return err
	}
	if err := safely(func() error { return inst.Initialize(ctx) }); err != nil {
		return err
	}
	o.mu.Lock()
	o.engines[ic.Symbol] = inst
	o.order = append(o.order, ic.Symbol)
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) logAccount(ctx context.Context) {
	balances, err := o.opts.Gateway.Balances(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Msg("account snapshot unavailable")
		return
	}
	ev := o.logger.Info()
	n := 0
	for _, b := range balances {
		if b.Total() > 0 {
			ev = ev.Float64(b.Asset, b.Total())
			n++
		}
	}
	ev.Int("assets", n).Msg("account snapshot")
}

func (o *Orchestrator) get(symbol string) (Instrument, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	inst, ok := o.engines[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, symbol)
	}
	return inst, nil
}

func (o *Orchestrator) StartAsset(symbol string) error {
	inst, err := o.get(symbol)
	if err != nil {
		return err
	}
	o.mu.Lock()
	ctx := o.ctx
	o.mu.Unlock()
	if err := safely(func() error { return inst.Start(ctx) }); err != nil {
		return fmt.Errorf("start %s: %w", symbol, err)
	}
	return nil
}

func (o *Orchestrator) StopAsset(symbol string) error {
	inst, err := o.get(symbol)
	if err != nil {
		return err
	}
	if err := safely(inst.Stop); err != nil {
		return fmt.Errorf("stop %s: %w", symbol, err)
	}
	return nil
}

// StartAll starts every initialized instrument that is not already running.
func (o *Orchestrator) StartAll() error {
	var errs []error
	for _, symbol := range o.symbols() {
		inst, err := o.get(symbol)
		if err != nil || inst.Running() {
			continue
		}
		if err := o.StartAsset(symbol); err != nil {
			o.logger.Error().Err(err).Str("symbol", symbol).Msg("instrument failed to start")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) symbols() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.order...)
}

// Status lists every instrument, including those that never initialized.
func (o *Orchestrator) Status() []engine.Status {
	var out []engine.Status
	for _, symbol := range o.symbols() {
		if inst, err := o.get(symbol); err == nil {
			out = append(out, inst.Status())
		}
	}
	o.mu.Lock()
	for symbol, reason := range o.failures {
		out = append(out, engine.Status{Symbol: symbol, Failed: true, Failure: reason})
	}
	o.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ReloadConfig re-reads the instruments file and applies it.
func (o *Orchestrator) ReloadConfig() error {
	ics, err := config.LoadInstruments(o.opts.Config.InstrumentsFile)
	if err != nil {
		return fmt.Errorf("reload instruments: %w", err)
	}
	return o.Apply(ics)
}

// Apply pushes the mutable fields of each instrument to its engine. An interval
// change restarts a running engine; instruments the fleet was not started with are
// reported and left alone.
func (o *Orchestrator) Apply(ics []config.InstrumentConfig) error {
	var errs []error
	for _, ic := range ics {
		inst, err := o.get(ic.Symbol)
		if err != nil {
			if ic.IsEnabled() {
				o.logger.Warn().Str("symbol", ic.Symbol).Msg("new instrument, restart required")
			}
			continue
		}
		if !ic.IsEnabled() {
			o.logger.Warn().Str("symbol", ic.Symbol).Msg("instrument disabled in config, restart required")
		}

		restart, err := inst.ApplyConfig(ic)
		if err != nil {
			errs = append(errs, fmt.Errorf("apply %s: %w", ic.Symbol, err))
			continue
		}
		o.logger.Info().Str("symbol", ic.Symbol).Bool("restart", restart).Msg("config applied")
		if !restart || !inst.Running() {
			continue
		}
		if err := o.StopAsset(ic.Symbol); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := o.StartAsset(ic.Symbol); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) ResetRisk(symbol string) error {
	inst, err := o.get(symbol)
	if err != nil {
		return err
	}
	return inst.ResetRisk()
}

// Shutdown stops every engine concurrently, then runs the closers.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	insts := make([]Instrument, 0, len(o.engines))
	for _, inst := range o.engines {
		insts = append(insts, inst)
	}
	o.mu.Unlock()

	var mu sync.Mutex
	var errs []error
	var wg sync.WaitGroup
	for _, inst := range insts {
		wg.Add(1)
		go func(inst Instrument) {
			defer wg.Done()
			if err := safely(inst.Stop); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", inst.Symbol(), err))
				mu.Unlock()
			}
		}(inst)
	}
	wg.Wait()

	for _, c := range o.opts.Closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	o.logger.Info().Int("instruments", len(insts)).Msg("fleet stopped")
	return errors.Join(errs...)
}

// safely turns a panic in fn into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
