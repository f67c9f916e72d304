package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrObserverClosed is returned by Next after Close.
var ErrObserverClosed = errors.New("capture: observer closed")

const feedBuffer = 4

// Feed is a push-driven strategy: something that intercepts the resource on
// the wire (a response listener, a secondary window) hands bodies to Offer,
// and the race pulls them through the armed observer.
type Feed struct {
	name string

	mu   sync.Mutex
	subs map[string]*feedObserver
}

// NewFeed creates a feed strategy with the given name.
func NewFeed(name string) *Feed {
	return &Feed{name: name, subs: make(map[string]*feedObserver)}
}

// Name returns the strategy name.
func (f *Feed) Name() string { return f.name }

// Arm registers an observer for target.ID. Only one observer per target may
// be armed at a time.
func (f *Feed) Arm(_ context.Context, target Target) (Observer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[target.ID]; ok {
		return nil, fmt.Errorf("feed %s: target %q already armed", f.name, target.ID)
	}
	obs := &feedObserver{
		feed:     f,
		targetID: target.ID,
		ch:       make(chan []byte, feedBuffer),
		errCh:    make(chan error, 1),
		done:     make(chan struct{}),
	}
	f.subs[target.ID] = obs
	return obs, nil
}

// Offer hands an intercepted body to the observer armed for targetID. It
// reports false when nothing is armed or the observer is saturated.
func (f *Feed) Offer(targetID string, data []byte) bool {
	f.mu.Lock()
	obs, ok := f.subs[targetID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case obs.ch <- data:
		return true
	case <-obs.done:
		return false
	default:
		return false
	}
}

// Fail ends the observer armed for targetID with err.
func (f *Feed) Fail(targetID string, err error) bool {
	f.mu.Lock()
	obs, ok := f.subs[targetID]
	f.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case obs.errCh <- err:
		return true
	default:
		return false
	}
}

// Armed reports whether an observer is armed for targetID.
func (f *Feed) Armed(targetID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[targetID]
	return ok
}

func (f *Feed) release(obs *feedObserver) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[obs.targetID] == obs {
		delete(f.subs, obs.targetID)
	}
}

type feedObserver struct {
	feed      *Feed
	targetID  string
	ch        chan []byte
	errCh     chan error
	done      chan struct{}
	closeOnce sync.Once
}

func (o *feedObserver) Next(ctx context.Context) ([]byte, error) {
	select {
	case data := <-o.ch:
		return data, nil
	case err := <-o.errCh:
		return nil, err
	case <-o.done:
		return nil, ErrObserverClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *feedObserver) Close() error {
	o.closeOnce.Do(func() {
		close(o.done)
		o.feed.release(o)
	})
	return nil
}
