package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/docket/internal/decision"
	"github.com/pitabwire/docket/internal/observability"
	"github.com/pitabwire/docket/model"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 << 10
)

// wsConn is an operator connection over a WebSocket. It is used as a
// pointer so the registry can compare it on Detach.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

// Send writes event as JSON. Writes are serialized.
func (c *wsConn) Send(ctx context.Context, event model.Event) error {
	return c.write(ctx, event)
}

func (c *wsConn) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.c, v)
}

// promptEvent rebuilds the notification for an outstanding request, so an
// operator who reconnects sees the question again.
func promptEvent(req model.DecisionRequest) model.Event {
	typ := model.EventCourtSelection
	if req.Kind == model.DecisionEntrySelection {
		typ = model.EventTranscriptOptions
	}
	return model.Event{Type: typ, JobID: req.JobID, Timestamp: req.CreatedAt, Data: req.Prompt}
}

// handleOperatorSocket binds a WebSocket to the session in the URL. Inbound
// user_response messages resolve the session's outstanding decision; ping
// is answered with pong. Closing the socket cancels the pending decision.
func handleOperatorSocket(sessions *decision.Registry, decisions *decision.Channel, originPatterns []string, fallback *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionId")
		logger := observability.RequestLogger(r.Context(), fallback).With(zap.String("session_id", sessionID))

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			logger.Warn("websocket accept failed", zap.Error(err))
			return
		}
		defer c.CloseNow()
		c.SetReadLimit(wsReadLimit)

		ctx := r.Context()
		conn := &wsConn{c: c}
		if prev := sessions.Attach(sessionID, conn); prev != nil {
			if old, ok := prev.(*wsConn); ok {
				old.c.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
			}
		}
		defer sessions.Detach(sessionID, conn)

		if req, ok := decisions.Pending(sessionID); ok {
			if err := conn.Send(ctx, promptEvent(req)); err != nil {
				logger.Warn("failed to replay pending prompt", zap.Error(err))
			}
		}

		for {
			var msg model.InboundMessage
			if err := wsjson.Read(ctx, c, &msg); err != nil {
				if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
					logger.Debug("operator closed connection")
				} else if !errors.Is(err, context.Canceled) {
					logger.Debug("operator connection ended", zap.Error(err))
				}
				return
			}
			handleInbound(ctx, conn, decisions, sessionID, msg, logger)
		}
	}
}

func handleInbound(ctx context.Context, conn *wsConn, decisions *decision.Channel, sessionID string, msg model.InboundMessage, logger *zap.Logger) {
	switch msg.Type {
	case model.MessagePing:
		if err := conn.write(ctx, map[string]string{"type": model.MessagePong}); err != nil {
			logger.Debug("pong failed", zap.Error(err))
		}
	case model.MessageUserResponse:
		resp, err := msg.Response(sessionID)
		if err != nil {
			logger.Warn("malformed user_response", zap.Error(err))
			return
		}
		// A socket only answers for its own session.
		resp.SessionID = sessionID
		logger.Debug("operator response",
			zap.String("action", resp.Action),
			zap.Any("payload", observability.RedactBody(resp.Payload, nil)),
		)
		decisions.Deliver(resp)
	default:
		logger.Warn("unknown message type", zap.String("type", msg.Type))
	}
}
