package decision

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

// recordingConn captures every event sent to it.
type recordingConn struct {
	mu     sync.Mutex
	events []model.Event
	sent   chan model.Event
}

func newRecordingConn() *recordingConn {
	return &recordingConn{sent: make(chan model.Event, 16)}
}

func (c *recordingConn) Send(_ context.Context, e model.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	c.sent <- e
	return nil
}

func newTestChannel(t *testing.T) (*Channel, *Registry, *observability.Metrics) {
	t.Helper()
	m := observability.InitMetrics(prometheus.NewRegistry())
	reg := NewRegistry(m, nil)
	return NewChannel(reg, m, nil), reg, m
}

func courtRequest(session string) model.DecisionRequest {
	return model.DecisionRequest{
		Kind:      model.DecisionCourtSelection,
		SessionID: session,
		Prompt: model.CourtSelectionPrompt{
			UserInput: "Nevada",
			Options:   []string{"District of Nevada", "District of New Jersey"},
		},
	}
}

func TestChannel_secondRequestFailsFast(t *testing.T) {
	c, _, _ := newTestChannel(t)

	require.NoError(t, c.RequestDecision(courtRequest("s1")))
	err := c.RequestDecision(courtRequest("s1"))
	assert.ErrorIs(t, err, ErrDecisionPending)

	// Another session is unaffected.
	assert.NoError(t, c.RequestDecision(courtRequest("s2")))
}

func TestChannel_requestRequiresSession(t *testing.T) {
	c, _, _ := newTestChannel(t)
	assert.ErrorIs(t, c.RequestDecision(model.DecisionRequest{}), ErrMissingSession)
}

func TestChannel_deliveredResponseIsAwaited(t *testing.T) {
	c, _, m := newTestChannel(t)
	require.NoError(t, c.RequestDecision(courtRequest("s1")))

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Deliver(model.DecisionResponse{
			SessionID: "s1",
			Action:    model.ActionSelectCourt,
			Payload:   map[string]any{"selected_court": "District of Nevada"},
		})
	}()

	out, err := c.Await(context.Background(), "s1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Answered, out.Kind)
	assert.Equal(t, "District of Nevada", out.Response.SelectedCourt())

	_, pending := c.Pending("s1")
	assert.False(t, pending, "slot should be free after resolution")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("court_selection", "answered")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DecisionsPending))
}

func TestChannel_timeoutThenLateDeliveryIsNoop(t *testing.T) {
	c, _, m := newTestChannel(t)
	require.NoError(t, c.RequestDecision(courtRequest("s1")))

	out, err := c.Await(context.Background(), "s1", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, out.Kind)

	assert.NotPanics(t, func() {
		delivered := c.Deliver(model.DecisionResponse{SessionID: "s1", Action: model.ActionSelectCourt})
		assert.False(t, delivered)
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LateDeliveriesTotal))

	// The slot is reusable.
	assert.NoError(t, c.RequestDecision(courtRequest("s1")))
}

func TestChannel_deliverWithoutRequest(t *testing.T) {
	c, _, _ := newTestChannel(t)
	assert.False(t, c.Deliver(model.DecisionResponse{SessionID: "nobody", Action: model.ActionSkip}))
}

func TestChannel_awaitWithoutRequest(t *testing.T) {
	c, _, _ := newTestChannel(t)
	_, err := c.Await(context.Background(), "s1", time.Millisecond)
	assert.ErrorIs(t, err, ErrNoPending)
}

func TestChannel_exactlyOneConcurrentDeliveryWins(t *testing.T) {
	c, _, _ := newTestChannel(t)
	require.NoError(t, c.RequestDecision(courtRequest("s1")))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if c.Deliver(model.DecisionResponse{SessionID: "s1", Action: model.ActionSelectCourt, Payload: map[string]any{"n": i}}) {
				wins.Add(1)
			}
		}(i)
	}

	out, err := c.Await(context.Background(), "s1", time.Second)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, Answered, out.Kind)
	assert.Equal(t, int32(1), wins.Load())
}

func TestChannel_detachCancelsPendingDecision(t *testing.T) {
	c, reg, _ := newTestChannel(t)
	conn := newRecordingConn()
	reg.Attach("s1", conn)
	require.NoError(t, c.RequestDecision(courtRequest("s1")))

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.Detach("s1", conn)
	}()

	start := time.Now()
	out, err := c.Await(context.Background(), "s1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, out.Kind)
	assert.Less(t, time.Since(start), time.Second, "detach must not wait for the timeout")
}

func TestChannel_staleDetachKeepsDecision(t *testing.T) {
	c, reg, _ := newTestChannel(t)
	old, current := newRecordingConn(), newRecordingConn()
	reg.Attach("s1", old)
	reg.Attach("s1", current)
	require.NoError(t, c.RequestDecision(courtRequest("s1")))

	assert.False(t, reg.Detach("s1", old))
	_, pending := c.Pending("s1")
	assert.True(t, pending)
}

func TestChannel_contextCancellation(t *testing.T) {
	c, _, _ := newTestChannel(t)
	require.NoError(t, c.RequestDecision(courtRequest("s1")))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)

	out, err := c.Await(ctx, "s1", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, out.Kind)
}

func TestChannel_askPublishesPrompt(t *testing.T) {
	c, reg, _ := newTestChannel(t)
	conn := newRecordingConn()
	reg.Attach("s1", conn)

	go func() {
		e := <-conn.sent
		assert.Equal(t, model.EventCourtSelection, e.Type)
		c.Deliver(model.DecisionResponse{SessionID: "s1", Action: model.ActionCancel})
	}()

	req := courtRequest("s1")
	out, err := c.Ask(context.Background(), req, model.Event{Type: model.EventCourtSelection, Data: req.Prompt}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, Answered, out.Kind)
	assert.Equal(t, model.ActionCancel, out.Response.Action)
}

func TestChannel_askWithoutConnectionStillWaits(t *testing.T) {
	c, _, _ := newTestChannel(t)

	out, err := c.Ask(context.Background(), courtRequest("s1"), model.Event{Type: model.EventCourtSelection}, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, out.Kind)
}

func TestChannel_cancelSessionWithoutPending(t *testing.T) {
	c, _, _ := newTestChannel(t)
	assert.False(t, c.CancelSession("s1"))

	require.NoError(t, c.RequestDecision(courtRequest("s1")))
	_, _ = c.Await(context.Background(), "s1", time.Millisecond)
	assert.False(t, c.CancelSession("s1"))

	// A forgotten session gets a fresh slot.
	assert.NoError(t, c.RequestDecision(courtRequest("s1")))
}

func slotCount(c *Channel) int {
	n := 0
	c.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func TestChannel_resolvedSessionsLeaveNoSlot(t *testing.T) {
	c, _, _ := newTestChannel(t)

	for i := range 20 {
		session := "job-session-" + string(rune('a'+i))
		require.NoError(t, c.RequestDecision(courtRequest(session)))
		out, err := c.Await(context.Background(), session, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, TimedOut, out.Kind)
	}
	assert.Equal(t, 0, slotCount(c), "idle sessions without a connection keep no slot")

	// A session is usable again after its slot was dropped.
	require.NoError(t, c.RequestDecision(courtRequest("job-session-a")))
	go c.Deliver(model.DecisionResponse{SessionID: "job-session-a", Action: model.ActionDownloadAll})
	out, err := c.Await(context.Background(), "job-session-a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Answered, out.Kind)
	assert.Equal(t, 0, slotCount(c))
}
