package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/docket/internal/observability"
)

// Locator derives the direct location of a target's resource.
type Locator interface {
	Locate(ctx context.Context, target Target) (string, error)
}

// LocatorFunc adapts a function to Locator.
type LocatorFunc func(ctx context.Context, target Target) (string, error)

// Locate calls f.
func (f LocatorFunc) Locate(ctx context.Context, target Target) (string, error) {
	return f(ctx, target)
}

// FetchOptions configures a Fetch strategy.
type FetchOptions struct {
	Attempts     int
	Interval     time.Duration
	InitialDelay time.Duration
	MaxSize      int64
}

// Fetch is the last-resort strategy: it locates the resource and performs a
// fresh GET with the navigation session's authenticated client. It waits
// InitialDelay first so interception strategies get the first chance.
type Fetch struct {
	name    string
	client  *http.Client
	locator Locator
	opts    FetchOptions
	logger  *zap.Logger
}

// NewFetch creates a fetch strategy.
func NewFetch(name string, client *http.Client, locator Locator, opts FetchOptions, logger *zap.Logger) *Fetch {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.Attempts < 1 {
		opts.Attempts = 5
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetch{name: name, client: client, locator: locator, opts: opts, logger: logger}
}

// Name returns the strategy name.
func (f *Fetch) Name() string { return f.name }

// Arm returns an observer; no request is made until Next is called.
func (f *Fetch) Arm(_ context.Context, target Target) (Observer, error) {
	if f.locator == nil {
		return nil, errors.New("fetch: no locator configured")
	}
	return &fetchObserver{
		fetch:   f,
		target:  target,
		limiter: rate.NewLimiter(rate.Every(f.opts.Interval), 1),
		closed:  make(chan struct{}),
	}, nil
}

type fetchObserver struct {
	fetch   *Fetch
	target  Target
	limiter *rate.Limiter
	attempt int
	waited  bool
	closed  chan struct{}
	once    sync.Once
}

// Next performs attempts until one returns a body. Each returned body is one
// candidate; if the race rejects it, the following call makes a new attempt.
func (o *fetchObserver) Next(ctx context.Context) ([]byte, error) {
	f := o.fetch
	if !o.waited {
		o.waited = true
		if f.opts.InitialDelay > 0 {
			t := time.NewTimer(f.opts.InitialDelay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-o.closed:
				return nil, ErrObserverClosed
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	var lastErr error
	for o.attempt < f.opts.Attempts {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		select {
		case <-o.closed:
			return nil, ErrObserverClosed
		default:
		}
		o.attempt++

		body, err := o.get(ctx)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		f.logger.Debug("fetch attempt failed",
			zap.String("strategy", f.name),
			zap.String("target_id", o.target.ID),
			zap.Int("attempt", o.attempt),
			zap.Error(err),
		)
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts left")
	}
	return nil, fmt.Errorf("fetch: %d attempts exhausted: %w", f.opts.Attempts, lastErr)
}

func (o *fetchObserver) get(ctx context.Context) ([]byte, error) {
	f := o.fetch
	ctx, span := observability.StartSpan(ctx, "capture.fetch",
		observability.AttrTargetID.String(o.target.ID),
		observability.AttrAttempt.Int(o.attempt),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	url, err := f.locator.Locate(ctx, o.target)
	if err != nil {
		return nil, fmt.Errorf("locate: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		return nil, err
	}

	var r io.Reader = resp.Body
	if f.opts.MaxSize > 0 {
		r = io.LimitReader(resp.Body, f.opts.MaxSize+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (o *fetchObserver) Close() error {
	o.once.Do(func() { close(o.closed) })
	return nil
}
