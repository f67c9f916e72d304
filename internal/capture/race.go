package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/observability"
)

// Trigger performs the action that creates the resource, e.g. clicking the
// document link. It runs after every strategy is armed.
type Trigger func(ctx context.Context) error

// Race coordinates strategies competing to capture one resource.
type Race struct {
	timeout   time.Duration
	validator Validator
	breakers  *BreakerSet
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewRace creates a race from capture configuration. breakers and metrics
// may be nil.
func NewRace(cfg config.CaptureConfig, breakers *BreakerSet, metrics *observability.Metrics, logger *zap.Logger) *Race {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RaceTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Race{
		timeout:   timeout,
		validator: Validator{MinSize: cfg.MinSize, MaxSize: cfg.MaxSize},
		breakers:  breakers,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

type candidate struct {
	strategy string
	data     []byte
	err      error
}

type armedObserver struct {
	strategy string
	obs      Observer
}

// Run arms every strategy, performs trigger, and waits for the first valid
// candidate. The winner is written to target.Dir exactly once; every other
// observer is cancelled and closed before Run returns. On failure nothing is
// written and the returned error wraps one of the package sentinels.
func (r *Race) Run(ctx context.Context, target Target, strategies []Strategy, trigger Trigger) (*Session, error) {
	sess := &Session{
		TargetID:  target.ID,
		StartedAt: r.now(),
		Result:    ResultPending,
	}
	logger := observability.JobLogger(ctx, r.logger).With(zap.String("target_id", target.ID))

	ctx, span := observability.StartSpan(ctx, "capture.race",
		observability.AttrTargetID.String(target.ID),
	)
	raceCtx, cancel := context.WithTimeout(ctx, r.timeout)

	// 1. Arm every strategy before the resource exists.
	var armed []armedObserver
	for _, s := range strategies {
		name := s.Name()
		if !r.breakers.Allow(name) {
			logger.Info("strategy skipped, breaker open", zap.String("strategy", name))
			r.metrics.RecordStrategyOutcome(name, "skipped")
			continue
		}
		obs, err := s.Arm(raceCtx, target)
		if err != nil {
			logger.Warn("strategy failed to arm", zap.String("strategy", name), zap.Error(err))
			sess.Failures = append(sess.Failures, StrategyFailure{Strategy: name, Err: err.Error()})
			r.breakers.Failure(name)
			r.metrics.RecordStrategyOutcome(name, "failed")
			continue
		}
		armed = append(armed, armedObserver{strategy: name, obs: obs})
	}

	if len(armed) == 0 {
		cancel()
		err := ErrNoStrategies
		r.finish(sess, logger, err)
		observability.EndSpanWithError(span, err)
		return sess, err
	}

	// 2. Start one goroutine per observer, all feeding a single channel.
	candidates := make(chan candidate)
	var wg sync.WaitGroup
	for _, a := range armed {
		wg.Add(1)
		go func(a armedObserver) {
			defer wg.Done()
			for {
				data, err := a.obs.Next(raceCtx)
				select {
				case candidates <- candidate{strategy: a.strategy, data: data, err: err}:
				case <-raceCtx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}(a)
	}

	// Losers are stopped and released whatever the outcome.
	var winner string
	defer func() {
		cancel()
		for _, a := range armed {
			_ = a.obs.Close()
		}
		wg.Wait()
		for _, a := range armed {
			if a.strategy != winner {
				r.breakers.Release(a.strategy)
			}
		}
	}()

	// 3. Create the resource.
	if trigger != nil {
		if err := trigger(raceCtx); err != nil {
			err = fmt.Errorf("%w: %v", ErrTriggerFailed, err)
			r.finish(sess, logger, err)
			observability.EndSpanWithError(span, err)
			return sess, err
		}
	}

	// 4. First valid candidate wins.
	exhausted := make(map[string]bool, len(armed))
	remaining := len(armed)
	for remaining > 0 {
		select {
		case c := <-candidates:
			if c.err != nil {
				remaining--
				if raceCtx.Err() == nil {
					exhausted[c.strategy] = true
					sess.Failures = append(sess.Failures, StrategyFailure{Strategy: c.strategy, Err: c.err.Error()})
					r.breakers.Failure(c.strategy)
					r.metrics.RecordStrategyOutcome(c.strategy, "failed")
					logger.Debug("strategy exhausted", zap.String("strategy", c.strategy), zap.Error(c.err))
				}
				continue
			}
			if err := r.validator.Validate(c.data); err != nil {
				sess.Rejections = append(sess.Rejections, Rejection{Strategy: c.strategy, Reason: err.Error()})
				r.metrics.RecordCaptureRejected(c.strategy)
				logger.Debug("candidate rejected",
					zap.String("strategy", c.strategy),
					zap.Int("bytes", len(c.data)),
					zap.Error(err),
				)
				continue
			}

			path, err := WriteAtomic(target.Dir, target.Filename(), c.data)
			if err != nil {
				err = fmt.Errorf("capture: write %s: %w", target.Filename(), err)
				r.finish(sess, logger, err)
				observability.EndSpanWithError(span, err)
				return sess, err
			}
			winner = c.strategy
			sess.Resource = &Resource{Bytes: c.data, Strategy: c.strategy, CapturedAt: r.now()}
			sess.Path = path
			sess.Result = ResultCaptured
			sess.FinishedAt = sess.Resource.CapturedAt

			r.breakers.Success(c.strategy)
			for _, a := range armed {
				switch {
				case a.strategy == c.strategy:
					r.metrics.RecordStrategyOutcome(a.strategy, "won")
				case !exhausted[a.strategy]:
					r.metrics.RecordStrategyOutcome(a.strategy, "lost")
				}
			}
			r.metrics.RecordCaptureRace(string(ResultCaptured), sess.Duration(), len(c.data))
			logger.Info("resource captured",
				zap.String("strategy", c.strategy),
				zap.String("path", path),
				zap.Int("bytes", len(c.data)),
				zap.Duration("elapsed", sess.Duration()),
			)
			observability.EndRaceSpan(span, c.strategy, len(c.data), nil)
			return sess, nil

		case <-raceCtx.Done():
			err := ErrRaceTimeout
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			r.finish(sess, logger, err)
			observability.EndSpanWithError(span, err)
			return sess, err
		}
	}

	err := ErrExhausted
	if len(sess.Rejections) > 0 {
		err = fmt.Errorf("%w: %d candidates rejected", ErrExhausted, len(sess.Rejections))
	}
	r.finish(sess, logger, err)
	observability.EndSpanWithError(span, err)
	return sess, err
}

// finish marks the session failed.
func (r *Race) finish(sess *Session, logger *zap.Logger, err error) {
	sess.Result = ResultFailed
	sess.Err = err
	sess.FinishedAt = r.now()
	r.metrics.RecordCaptureRace(string(ResultFailed), sess.Duration(), 0)
	if errors.Is(err, context.Canceled) {
		logger.Info("capture cancelled")
		return
	}
	logger.Warn("capture failed",
		zap.Error(err),
		zap.Int("rejections", len(sess.Rejections)),
		zap.Int("strategy_failures", len(sess.Failures)),
	)
}
