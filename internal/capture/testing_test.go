package capture

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// validPDF returns a payload that passes the default validity gate.
func validPDF(tag string) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.7\n")
	b.WriteString(tag)
	b.Write(bytes.Repeat([]byte{'x'}, 256))
	return b.Bytes()
}

var htmlErrorPage = []byte("<html><body>Session expired. Please log in again.</body></html>" + string(bytes.Repeat([]byte{' '}, 200)))

// step is one scripted observation: wait, then yield data or err.
type step struct {
	after time.Duration
	data  []byte
	err   error
}

// scriptedStrategy replays steps and then blocks until cancelled.
type scriptedStrategy struct {
	name    string
	steps   []step
	armErr  error
	armed   atomic.Bool
	armedAt time.Time
	closed  atomic.Bool
	ctxDone atomic.Bool
	mu      sync.Mutex
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Arm(_ context.Context, _ Target) (Observer, error) {
	if s.armErr != nil {
		return nil, s.armErr
	}
	s.mu.Lock()
	s.armedAt = time.Now()
	s.mu.Unlock()
	s.armed.Store(true)
	return &scriptedObserver{s: s, done: make(chan struct{})}, nil
}

type scriptedObserver struct {
	s    *scriptedStrategy
	i    int
	done chan struct{}
	once sync.Once
}

func (o *scriptedObserver) Next(ctx context.Context) ([]byte, error) {
	if o.i >= len(o.s.steps) {
		select {
		case <-ctx.Done():
			o.s.ctxDone.Store(true)
			return nil, ctx.Err()
		case <-o.done:
			return nil, ErrObserverClosed
		}
	}
	st := o.s.steps[o.i]
	o.i++
	t := time.NewTimer(st.after)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
		o.s.ctxDone.Store(true)
		return nil, ctx.Err()
	case <-o.done:
		return nil, ErrObserverClosed
	}
	if st.err != nil {
		return nil, st.err
	}
	return st.data, nil
}

func (o *scriptedObserver) Close() error {
	o.once.Do(func() {
		o.s.closed.Store(true)
		close(o.done)
	})
	return nil
}

var errStrategyBroken = errors.New("element not found")
