package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/pitabwire/docket/model"
)

// Operator is a WebSocket client standing in for the operator's browser.
// A background reader collects every event the server pushes.
type Operator struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context

	mu       sync.Mutex
	events   []model.Event
	consumed map[int]bool
	notify   chan struct{}
	done     chan struct{}
}

// ConnectOperator opens the operator channel for sessionID with the
// harness token.
func (h *TestHarness) ConnectOperator(sessionID string) *Operator {
	h.t.Helper()
	op, resp, err := h.DialOperator(sessionID, h.token)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		h.t.Fatalf("dial operator %s: %v (status %d)", sessionID, err, status)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !h.Sessions.Connected(sessionID) {
		if time.Now().After(deadline) {
			h.t.Fatalf("operator %s never registered", sessionID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return op
}

// DialOperator opens the operator channel with an explicit token.
func (h *TestHarness) DialOperator(sessionID, token string) (*Operator, *http.Response, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h.t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/ws/" + sessionID
	if token != "" {
		url += "?token=" + token
	}
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, resp, err
	}

	op := &Operator{
		t:        h.t,
		conn:     conn,
		ctx:      ctx,
		consumed: make(map[int]bool),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go op.read()
	h.t.Cleanup(func() { conn.CloseNow() })
	return op, resp, nil
}

func (o *Operator) read() {
	defer close(o.done)
	for {
		var e model.Event
		if err := wsjson.Read(o.ctx, o.conn, &e); err != nil {
			return
		}
		o.mu.Lock()
		o.events = append(o.events, e)
		o.mu.Unlock()
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
}

// Events returns every event received so far.
func (o *Operator) Events() []model.Event {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.Event(nil), o.events...)
}

// Next waits for the first not yet consumed event of type typ and returns
// it. Events of other types are left in place.
func (o *Operator) Next(typ model.EventType, timeout time.Duration) model.Event {
	o.t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		o.mu.Lock()
		for i, e := range o.events {
			if e.Type == typ && !o.consumed[i] {
				o.consumed[i] = true
				o.mu.Unlock()
				return e
			}
		}
		o.mu.Unlock()
		select {
		case <-o.notify:
		case <-o.done:
			o.t.Fatalf("operator connection closed while waiting for %s", typ)
		case <-deadline.C:
			o.t.Fatalf("no %s event within %s", typ, timeout)
		}
	}
}

// Has reports whether an event of type typ was received.
func (o *Operator) Has(typ model.EventType) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

// Respond answers the outstanding prompt with data as the user_response
// payload.
func (o *Operator) Respond(data map[string]any) {
	o.t.Helper()
	msg := map[string]any{"type": model.MessageUserResponse, "data": data}
	if err := wsjson.Write(o.ctx, o.conn, msg); err != nil {
		o.t.Fatalf("write user_response: %v", err)
	}
}

// Close closes the connection normally.
func (o *Operator) Close() {
	o.conn.Close(websocket.StatusNormalClosure, "done")
}

// DecodeData re-decodes an event's payload into target.
func DecodeData(t *testing.T, e model.Event, target any) {
	t.Helper()
	data, err := json.Marshal(e.Data)
	if err != nil {
		t.Fatalf("marshal event data: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("decode %s data: %v", e.Type, err)
	}
}
