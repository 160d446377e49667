package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ashita-ai/kansoku/internal/auth"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/orchestrator"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 * 1024
)

// HandleWS handles GET /ws?topicId=&token=[&since=]. Every frame sent is one
// Event. The first frame is a personal "connected" event that is not part
// of the log. With since (epoch ms), logged events at or after that instant
// are replayed before live delivery, without a gap between the two.
//
// Authentication failures close the socket with 1008; a binary or
// non-JSON frame from the client closes it with 1003.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	topicID := r.URL.Query().Get("topicId")

	var (
		subject string
		authErr error
	)
	if tok, err := auth.ExtractToken(r); err != nil {
		authErr = err
	} else if claims, err := h.jwtMgr.ValidateToken(tok); err != nil {
		authErr = err
	} else {
		subject = claims.Subject
	}

	var topic model.Topic
	if authErr == nil {
		if topicID == "" {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "topicId is required")
			return
		}
		t, err := h.store.GetTopic(r.Context(), topicID)
		if err != nil {
			h.writeDomainError(w, r, "failed to load topic", err)
			return
		}
		topic = t
	}

	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.wsOrigins})
	if err != nil {
		h.logger.Warn("ws: accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if authErr != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}
	conn.SetReadLimit(wsReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The replay is not capped: a client reconnecting with since relies on
	// it to cover everything it missed.
	var backlog []model.Event
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	sub, err := h.log.SubscribeAfter(ctx, topicID, func() error {
		if since <= 0 {
			return nil
		}
		events, err := h.store.ListEvents(ctx, model.EventFilter{TopicID: topicID, Since: since})
		backlog = events
		return err
	})
	if err != nil {
		h.logger.Error("ws: subscribe failed", "topic_id", topicID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer sub.Close()

	h.logger.Info("ws: connected", "topic_id", topicID, "user", subject, "backlog", len(backlog))

	closed := make(chan websocket.StatusCode, 1)
	go h.readFrames(ctx, conn, topicID, closed)

	if err := h.writeEvent(ctx, conn, connectedEvent(topic, subject)); err != nil {
		return
	}
	for _, e := range backlog {
		if err := h.writeEvent(ctx, conn, e); err != nil {
			return
		}
	}

	ping := time.NewTicker(h.wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case code := <-closed:
			if code == websocket.StatusUnsupportedData {
				_ = conn.Close(code, "malformed frame")
			}
			return
		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		case e, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					// The client fell behind; it reconnects with since.
					_ = conn.Close(websocket.StatusTryAgainLater, "subscriber too slow, resync")
				} else {
					_ = conn.Close(websocket.StatusGoingAway, "topic closed")
				}
				return
			}
			if err := h.writeEvent(ctx, conn, e); err != nil {
				return
			}
		}
	}
}

// readFrames consumes client frames. The protocol defines none, so valid
// JSON objects are ignored; anything else ends the connection with 1003.
func (h *Handlers) readFrames(ctx context.Context, conn *websocket.Conn, topicID string, closed chan<- websocket.StatusCode) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			closed <- websocket.CloseStatus(err)
			return
		}
		var obj map[string]any
		if typ != websocket.MessageText || json.Unmarshal(data, &obj) != nil {
			h.logger.Warn("ws: malformed client frame", "topic_id", topicID, "bytes", len(data))
			closed <- websocket.StatusUnsupportedData
			return
		}
		h.logger.Debug("ws: ignoring client frame", "topic_id", topicID)
	}
}

func (h *Handlers) writeEvent(ctx context.Context, conn *websocket.Conn, e model.Event) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	err := wsjson.Write(wctx, conn, e)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("ws: write failed", "topic_id", e.TopicID, "error", err)
	}
	return err
}

func connectedEvent(topic model.Topic, subject string) model.Event {
	runID := orchestrator.SessionRunID
	if topic.ActiveRunID != nil {
		runID = *topic.ActiveRunID
	} else if topic.LastRunID != nil {
		runID = *topic.LastRunID
	}
	return model.Event{
		EventID:  model.NewID(),
		TS:       model.NowMillis(),
		TopicID:  topic.ID,
		RunID:    runID,
		AgentID:  model.AgentReview,
		Kind:     model.KindEventEmitted,
		Severity: model.SeverityInfo,
		Summary:  "connected",
		Payload:  model.Details{"phase": "connected", "user": subject},
	}
}
