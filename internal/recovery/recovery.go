// Package recovery returns a navigation session to its results page after a
// back-navigation lands somewhere unexpected.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/navigation"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// ErrRecoveryFailed means the results page could not be reached again. The
// caller abandons the remaining work of the current item only.
var ErrRecoveryFailed = errors.New("recovery: known state not reached")

// Query is what produced the results page: the search to replay.
type Query struct {
	Text     string
	Criteria model.SearchCriteria
}

// Policy verifies and restores the results page of one navigation session.
type Policy struct {
	nav         navigation.Capability
	maxAttempts int
	settle      time.Duration
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// NewPolicy creates a policy for nav. metrics may be nil.
func NewPolicy(nav navigation.Capability, cfg config.RecoveryConfig, metrics *observability.Metrics, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Policy{
		nav:         nav,
		maxAttempts: attempts,
		settle:      cfg.SettleDelay,
		metrics:     metrics,
		logger:      logger,
	}
}

// Verify reports whether the session is on the results page. Sessions that
// cannot tell are assumed to be.
func (p *Policy) Verify(ctx context.Context) (bool, error) {
	v, ok := p.nav.(navigation.StateVerifier)
	if !ok {
		return true, nil
	}
	return v.AtResults(ctx)
}

// Recover replays q and re-verifies, up to the configured number of attempts.
// It returns the fresh results handle on success.
func (p *Policy) Recover(ctx context.Context, q Query) (navigation.Results, error) {
	logger := observability.JobLogger(ctx, p.logger).With(zap.String("query", q.Text))
	ctx, span := observability.StartSpan(ctx, "recovery.recover",
		observability.AttrQuery.String(q.Text),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			p.metrics.RecordRecovery("cancelled")
			return navigation.Results{}, err
		}
		logger.Warn("replaying search to recover results page", zap.Int("attempt", attempt))

		res, searchErr := p.nav.Search(ctx, q.Text, q.Criteria)
		if searchErr != nil {
			lastErr = searchErr
			continue
		}
		if err = p.wait(ctx); err != nil {
			p.metrics.RecordRecovery("cancelled")
			return navigation.Results{}, err
		}
		ok, verifyErr := p.Verify(ctx)
		if verifyErr != nil {
			lastErr = verifyErr
			continue
		}
		if ok {
			logger.Info("recovered results page", zap.Int("attempt", attempt))
			p.metrics.RecordRecovery("recovered")
			return res, nil
		}
		lastErr = errors.New("results page not shown after replay")
	}

	p.metrics.RecordRecovery("failed")
	err = fmt.Errorf("%w after %d attempt(s): %v", ErrRecoveryFailed, p.maxAttempts, lastErr)
	logger.Error("recovery failed", zap.Error(err))
	return navigation.Results{}, err
}

// ReturnToResults navigates back from a document and makes sure the session
// is on the results page, recovering if it is not. onRecover, if non-nil, runs
// before the search is replayed. replayed is true when the search was
// replayed, in which case res is the fresh results handle.
func (p *Policy) ReturnToResults(ctx context.Context, q Query, onRecover func(context.Context)) (res navigation.Results, replayed bool, err error) {
	if err := p.nav.GoBack(ctx); err != nil {
		observability.JobLogger(ctx, p.logger).Warn("back navigation failed", zap.Error(err))
	} else {
		if err := p.wait(ctx); err != nil {
			return navigation.Results{}, false, err
		}
		ok, verifyErr := p.Verify(ctx)
		if verifyErr == nil && ok {
			return navigation.Results{}, false, nil
		}
	}
	if onRecover != nil {
		onRecover(ctx)
	}
	res, err = p.Recover(ctx, q)
	if err != nil {
		return navigation.Results{}, false, err
	}
	return res, true, nil
}

func (p *Policy) wait(ctx context.Context) error {
	if p.settle <= 0 {
		return nil
	}
	t := time.NewTimer(p.settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
