package capture

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/internal/observability"
)

func newTestRace(t *testing.T, timeout time.Duration) (*Race, *observability.Metrics) {
	t.Helper()
	m := observability.InitMetrics(prometheus.NewRegistry())
	cfg := config.Defaults().Capture
	cfg.RaceTimeout = timeout
	return NewRace(cfg, NewBreakerSet(3, time.Minute, m), m, nil), m
}

func newTarget(t *testing.T) Target {
	t.Helper()
	return Target{
		ID:          "2:24-cv-00123#17",
		CaseNumber:  "2:24-cv-00123",
		EntryNumber: "17",
		Dir:         t.TempDir(),
	}
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRace_invalidThenValidWritesOnce(t *testing.T) {
	race, m := newTestRace(t, time.Second)
	target := newTarget(t)

	a := &scriptedStrategy{name: "interception", steps: []step{{after: 10 * time.Millisecond, data: htmlErrorPage}}}
	b := &scriptedStrategy{name: "fetch", steps: []step{{after: 40 * time.Millisecond, data: validPDF("B")}}}

	sess, err := race.Run(context.Background(), target, []Strategy{a, b}, nil)
	require.NoError(t, err)

	assert.Equal(t, ResultCaptured, sess.Result)
	require.NotNil(t, sess.Resource)
	assert.Equal(t, "fetch", sess.Resource.Strategy)
	assert.Equal(t, validPDF("B"), sess.Resource.Bytes)
	require.Len(t, sess.Rejections, 1)
	assert.Equal(t, "interception", sess.Rejections[0].Strategy)

	assert.Equal(t, []string{"224-cv-00123_17.pdf"}, dirEntries(t, target.Dir))
	written, err := os.ReadFile(sess.Path)
	require.NoError(t, err)
	assert.Equal(t, validPDF("B"), written)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureRejectedTotal.WithLabelValues("interception")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureStrategyTotal.WithLabelValues("fetch", "won")))
}

func TestRace_fastValidStrategyWinsAndSlowOneIsCancelled(t *testing.T) {
	race, _ := newTestRace(t, 2*time.Second)
	target := newTarget(t)

	// Strategy 1 would only give up at the overall timeout; strategy 2
	// delivers a valid document early.
	slow := &scriptedStrategy{name: "popup"}
	fast := &scriptedStrategy{name: "network", steps: []step{{after: 30 * time.Millisecond, data: validPDF("fast")}}}

	start := time.Now()
	sess, err := race.Run(context.Background(), target, []Strategy{slow, fast}, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "network", sess.Resource.Strategy)
	assert.Less(t, elapsed, time.Second, "race should finish when the fast strategy wins")
	assert.True(t, slow.closed.Load(), "losing observer should be closed")
	assert.True(t, slow.ctxDone.Load() || slow.closed.Load())
}

func TestRace_allStrategiesFailWritesNothing(t *testing.T) {
	race, m := newTestRace(t, time.Second)
	target := newTarget(t)

	a := &scriptedStrategy{name: "a", steps: []step{{after: 5 * time.Millisecond, err: errStrategyBroken}}}
	b := &scriptedStrategy{name: "b", steps: []step{
		{after: 5 * time.Millisecond, data: htmlErrorPage},
		{after: 5 * time.Millisecond, err: errStrategyBroken},
	}}

	sess, err := race.Run(context.Background(), target, []Strategy{a, b}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, ResultFailed, sess.Result)
	assert.Nil(t, sess.Resource)
	assert.Len(t, sess.Failures, 2)
	assert.Empty(t, dirEntries(t, target.Dir))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureRacesTotal.WithLabelValues("failed")))
}

func TestRace_timeoutWritesNothing(t *testing.T) {
	race, _ := newTestRace(t, 50*time.Millisecond)
	target := newTarget(t)

	a := &scriptedStrategy{name: "a"}
	b := &scriptedStrategy{name: "b", steps: []step{{after: 10 * time.Millisecond, data: []byte("%PDF")}}}

	sess, err := race.Run(context.Background(), target, []Strategy{a, b}, nil)
	assert.ErrorIs(t, err, ErrRaceTimeout)
	assert.Equal(t, ResultFailed, sess.Result)
	assert.Empty(t, dirEntries(t, target.Dir))
	assert.True(t, a.closed.Load())
	assert.True(t, b.closed.Load())
}

func TestRace_parentCancellation(t *testing.T) {
	race, _ := newTestRace(t, time.Second)
	target := newTarget(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := race.Run(ctx, target, []Strategy{&scriptedStrategy{name: "a"}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRace_strategiesArmedBeforeTrigger(t *testing.T) {
	race, _ := newTestRace(t, time.Second)
	target := newTarget(t)

	a := &scriptedStrategy{name: "a", steps: []step{{after: 5 * time.Millisecond, data: validPDF("a")}}}
	b := &scriptedStrategy{name: "b"}

	var armedAtTrigger atomic.Bool
	trigger := func(context.Context) error {
		armedAtTrigger.Store(a.armed.Load() && b.armed.Load())
		return nil
	}

	_, err := race.Run(context.Background(), target, []Strategy{a, b}, trigger)
	require.NoError(t, err)
	assert.True(t, armedAtTrigger.Load(), "every strategy must be armed before the trigger runs")
}

func TestRace_triggerFailure(t *testing.T) {
	race, _ := newTestRace(t, time.Second)
	target := newTarget(t)

	a := &scriptedStrategy{name: "a"}
	_, err := race.Run(context.Background(), target, []Strategy{a}, func(context.Context) error {
		return errors.New("link not clickable")
	})
	assert.ErrorIs(t, err, ErrTriggerFailed)
	assert.True(t, a.closed.Load())
	assert.Empty(t, dirEntries(t, target.Dir))
}

func TestRace_noStrategies(t *testing.T) {
	race, _ := newTestRace(t, time.Second)

	_, err := race.Run(context.Background(), newTarget(t), nil, nil)
	assert.ErrorIs(t, err, ErrNoStrategies)

	broken := &scriptedStrategy{name: "broken", armErr: errors.New("no popup support")}
	sess, err := race.Run(context.Background(), newTarget(t), []Strategy{broken}, nil)
	assert.ErrorIs(t, err, ErrNoStrategies)
	assert.Len(t, sess.Failures, 1)
}

func TestRace_openBreakerSkipsStrategy(t *testing.T) {
	m := observability.InitMetrics(prometheus.NewRegistry())
	breakers := NewBreakerSet(1, time.Hour, m)
	cfg := config.Defaults().Capture
	cfg.RaceTimeout = time.Second
	race := NewRace(cfg, breakers, m, nil)

	breakers.Failure("flaky")
	flaky := &scriptedStrategy{name: "flaky", steps: []step{{after: time.Millisecond, data: validPDF("flaky")}}}
	good := &scriptedStrategy{name: "good", steps: []step{{after: 20 * time.Millisecond, data: validPDF("good")}}}

	sess, err := race.Run(context.Background(), newTarget(t), []Strategy{flaky, good}, nil)
	require.NoError(t, err)
	assert.False(t, flaky.armed.Load())
	assert.Equal(t, "good", sess.Resource.Strategy)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureStrategyTotal.WithLabelValues("flaky", "skipped")))
}

func TestRace_retryOverwritesSameFile(t *testing.T) {
	race, _ := newTestRace(t, time.Second)
	target := newTarget(t)

	first := &scriptedStrategy{name: "a", steps: []step{{after: time.Millisecond, data: validPDF("first")}}}
	_, err := race.Run(context.Background(), target, []Strategy{first}, nil)
	require.NoError(t, err)

	second := &scriptedStrategy{name: "a", steps: []step{{after: time.Millisecond, data: validPDF("second")}}}
	sess, err := race.Run(context.Background(), target, []Strategy{second}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"224-cv-00123_17.pdf"}, dirEntries(t, target.Dir))
	data, err := os.ReadFile(filepath.Join(target.Dir, "224-cv-00123_17.pdf"))
	require.NoError(t, err)
	assert.Equal(t, validPDF("second"), data)
	assert.Equal(t, sess.Path, filepath.Join(target.Dir, "224-cv-00123_17.pdf"))
}

func TestRace_feedStrategyOfferedByTrigger(t *testing.T) {
	race, _ := newTestRace(t, time.Second)
	target := newTarget(t)
	feed := NewFeed("network")

	sess, err := race.Run(context.Background(), target, []Strategy{feed}, func(context.Context) error {
		assert.True(t, feed.Offer(target.ID, htmlErrorPage))
		assert.True(t, feed.Offer(target.ID, validPDF("intercepted")))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "network", sess.Resource.Strategy)
	assert.Len(t, sess.Rejections, 1)
	assert.False(t, feed.Armed(target.ID), "feed observer should be released after the race")
}

func TestRace_fetchStrategyRetriesPastInvalidBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write(htmlErrorPage)
			return
		}
		w.Write(validPDF("fetched"))
	}))
	defer srv.Close()

	race, _ := newTestRace(t, 2*time.Second)
	target := newTarget(t)
	fetch := NewFetch("fetch", srv.Client(), LocatorFunc(func(context.Context, Target) (string, error) {
		return srv.URL + "/doc1/17", nil
	}), FetchOptions{Attempts: 3, Interval: 5 * time.Millisecond}, nil)

	sess, err := race.Run(context.Background(), target, []Strategy{fetch}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fetch", sess.Resource.Strategy)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, sess.Rejections, 1)
}

func TestRace_fetchStrategyExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	race, _ := newTestRace(t, 2*time.Second)
	target := newTarget(t)
	fetch := NewFetch("fetch", srv.Client(), LocatorFunc(func(context.Context, Target) (string, error) {
		return srv.URL, nil
	}), FetchOptions{Attempts: 3, Interval: time.Millisecond}, nil)

	_, err := race.Run(context.Background(), target, []Strategy{fetch}, nil)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, dirEntries(t, target.Dir))
}

func TestRace_exhaustedStrategyIsNotCountedAsLoser(t *testing.T) {
	race, m := newTestRace(t, time.Second)
	target := newTarget(t)

	broken := &scriptedStrategy{name: "popup", steps: []step{{after: 5 * time.Millisecond, err: errStrategyBroken}}}
	slow := &scriptedStrategy{name: "interception"}
	winner := &scriptedStrategy{name: "fetch", steps: []step{{after: 40 * time.Millisecond, data: validPDF("late")}}}

	sess, err := race.Run(context.Background(), target, []Strategy{broken, slow, winner}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fetch", sess.Resource.Strategy)
	require.Len(t, sess.Failures, 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureStrategyTotal.WithLabelValues("popup", "failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.CaptureStrategyTotal.WithLabelValues("popup", "lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureStrategyTotal.WithLabelValues("interception", "lost")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CaptureStrategyTotal.WithLabelValues("fetch", "won")))
}
