package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"spot-engine/internal/monitor"
	"spot-engine/pkg/exchanges/common"
)

// PolicyConfig tunes the resilience layer shared by every exchange call.
type PolicyConfig struct {
	Timeout          time.Duration // per attempt (10s)
	Attempts         int           // including the first (4)
	Rate             float64       // requests per second (10)
	Burst            int           // (20)
	CircuitThreshold int           // (5)
	CircuitCooldown  time.Duration // (30s)
	InitialBackoff   time.Duration // (250ms)
	MaxBackoff       time.Duration // (5s)
}

func (c *PolicyConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 4
	}
	if c.Rate <= 0 {
		c.Rate = 10
	}
	if c.Burst <= 0 {
		c.Burst = 20
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
}

// Policy is the single choke point for exchange calls: circuit breaker, shared rate
// limit, per-attempt timeout and jittered retry of transient failures.
type Policy struct {
	cfg     PolicyConfig
	breaker *CircuitBreaker
	limiter *rate.Limiter
	logger  zerolog.Logger
	// Pressure reports exchange weight usage in percent; calls slow down near the cap.
	Pressure func() float64
}

func NewPolicy(cfg PolicyConfig, logger zerolog.Logger) *Policy {
	cfg.applyDefaults()
	return &Policy{
		cfg:     cfg,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		logger:  logger.With().Str("component", "gateway").Logger(),
	}
}

func (p *Policy) Breaker() *CircuitBreaker { return p.breaker }

// Do runs fn under the policy. Non-idempotent calls (order placement) are retried only
// when the failure proves the exchange never accepted the request; an ambiguous
// failure is returned wrapped in common.ErrOrderStatusUnknown.
func (p *Policy) Do(ctx context.Context, op string, idempotent bool, fn func(ctx context.Context) error) error {
	start := time.Now()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialBackoff
	eb.MaxInterval = p.cfg.MaxBackoff
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0
	eb.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.Attempts-1)), ctx)

	attempt := func() error {
		if err := p.breaker.Allow(); err != nil {
			return backoff.Permanent(err)
		}
		settled := false
		defer func() {
			if !settled {
				p.breaker.Release()
			}
		}()
		if err := p.throttle(ctx); err != nil {
			return backoff.Permanent(err)
		}

		actx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
		err := fn(actx)
		if err == nil {
			settled = true
			p.breaker.Success()
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		settled = true
		transient := common.Retryable(err)
		if transient {
			p.breaker.Failure()
		} else {
			// the exchange answered; it is reachable
			p.breaker.Success()
		}
		if !idempotent && common.Ambiguous(err) {
			return backoff.Permanent(fmt.Errorf("%w: %w", common.ErrOrderStatusUnknown, err))
		}
		if !transient {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(attempt, bo, func(err error, wait time.Duration) {
		p.logger.Warn().Err(err).Str("op", op).Dur("retry_in", wait).Msg("transient exchange error")
	})

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrCircuitOpen):
		result = "circuit_open"
	case errors.Is(err, common.ErrOrderStatusUnknown):
		result = "unknown"
	default:
		result = "error"
	}
	monitor.ObserveGatewayRequest(op, result, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Policy) throttle(ctx context.Context) error {
	if p.Pressure != nil && p.Pressure() >= 95 {
		p.logger.Warn().Msg("exchange weight near limit, delaying request")
		t := time.NewTimer(time.Second)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return p.limiter.Wait(ctx)
}
