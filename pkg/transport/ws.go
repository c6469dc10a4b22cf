// Package transport is the realtime websocket layer. A connection binds to
// exactly one conversation: the first frame must be an auth frame carrying
// the user id, its HMAC signature and the conversation id. After a
// successful handshake the server pushes message, reaction and membership
// events; the client sends nothing further except pings.
package transport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"

	"talkd/pkg/actor"
	"talkd/pkg/apperr"
	"talkd/pkg/auth"
	"talkd/pkg/logger"
	"talkd/pkg/metrics"
	"talkd/pkg/models"
)

// Options tunes connection timeouts. Zero values fall back to defaults.
type Options struct {
	AuthTimeout time.Duration
	WriteWait   time.Duration
	PongWait    time.Duration
}

const (
	defaultAuthTimeout = 10 * time.Second
	defaultWriteWait   = 10 * time.Second
	defaultPongWait    = 60 * time.Second
)

// Hub upgrades websocket requests and bridges them to conversation actors.
type Hub struct {
	reg      *actor.Registry
	opts     Options
	upgrader websocket.Upgrader
}

func NewHub(reg *actor.Registry, opts Options) *Hub {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	return &Hub{
		reg:  reg,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// API-key and origin checks already ran in the HTTP middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type authFrame struct {
	Type string `json:"type"`
	Data struct {
		UserID       string `json:"user_id"`
		Signature    string `json:"signature"`
		Conversation string `json:"conversation_id"`
	} `json:"data"`
}

type authAck struct {
	Conversation      string `json:"conversation_id"`
	LatestSeq         uint64 `json:"latest_seq"`
	MembershipVersion uint64 `json:"membership_version"`
}

// ServeWS handles a websocket request end to end.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("ws_upgrade_failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	metrics.ConnectionsLive.Inc()
	defer metrics.ConnectionsLive.Dec()
	defer conn.Close()

	// auth frame first, within the handshake deadline
	conn.SetReadDeadline(time.Now().Add(h.opts.AuthTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		logger.Warn("ws_auth_timeout", "remote", r.RemoteAddr, "error", err)
		return
	}
	var af authFrame
	if err := json.Unmarshal(raw, &af); err != nil || af.Type != string(models.EventAuth) {
		h.writeFrame(conn, models.Frame{Type: models.EventAuthError, Data: map[string]string{"error": "expected auth frame"}})
		return
	}
	if af.Data.UserID == "" || af.Data.Conversation == "" {
		h.writeFrame(conn, models.Frame{Type: models.EventAuthError, Data: map[string]string{"error": "user_id and conversation_id required"}})
		return
	}
	if !auth.VerifyUserSignature(af.Data.UserID, af.Data.Signature) {
		logger.Warn("ws_invalid_signature", "user", af.Data.UserID)
		h.writeFrame(conn, models.Frame{Type: models.EventAuthError, Data: map[string]string{"error": "invalid signature"}})
		return
	}

	sub, err := h.reg.Subscribe(r.Context(), af.Data.Conversation, af.Data.UserID)
	if err != nil {
		h.writeFrame(conn, models.Frame{Type: models.EventAuthError, Data: map[string]string{"error": err.Error(), "kind": kindName(err)}})
		return
	}
	defer sub.Close()

	if err := h.writeFrame(conn, models.Frame{Type: models.EventAuth, Data: authAck{
		Conversation:      af.Data.Conversation,
		LatestSeq:         sub.LatestSeq,
		MembershipVersion: sub.MembershipVersion,
	}}); err != nil {
		return
	}
	logger.Info("ws_connected", "conversation", af.Data.Conversation, "user", af.Data.UserID)

	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, sub, done)
	logger.Info("ws_disconnected", "conversation", af.Data.Conversation, "user", af.Data.UserID)
}

// readPump keeps the read side alive for pongs and close frames. Inbound
// data frames are ignored: the socket is push-only after auth.
func (h *Hub) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *actor.Subscriber, done <-chan struct{}) {
	pingInterval := h.opts.PongWait * 9 / 10
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// the actor detached this subscriber: the user was revoked
				// and the event itself may have been dropped
				conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "membership revoked"))
				return
			}
			if err := h.writeFrame(conn, eventFrame(ev)); err != nil {
				return
			}
			if ev.Type == models.EventMembership && ev.RemovedUser == sub.UserID {
				// revoked mid-session: the event is the last thing this
				// connection sees
				conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "membership revoked"))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

// eventFrame shapes an actor event for the wire. Every push carries the
// membership version current at the moment the event was produced.
func eventFrame(ev models.Event) models.Frame {
	switch ev.Type {
	case models.EventMessageNew:
		return models.Frame{Type: ev.Type, Data: map[string]any{
			"conversation_id":    ev.Conversation,
			"membership_version": ev.MembershipVersion,
			"message":            ev.Message,
		}}
	case models.EventReaction:
		return models.Frame{Type: ev.Type, Data: map[string]any{
			"conversation_id":    ev.Conversation,
			"membership_version": ev.MembershipVersion,
			"reaction":           ev.Reaction,
		}}
	case models.EventMembership:
		return models.Frame{Type: ev.Type, Data: map[string]any{
			"conversation_id":    ev.Conversation,
			"membership_version": ev.MembershipVersion,
			"removed_user":       ev.RemovedUser,
		}}
	default:
		return models.Frame{Type: models.EventError, Data: map[string]string{"error": "unknown event"}}
	}
}

// writeFrame marshals through a pooled buffer; frames are written whole.
func (h *Hub) writeFrame(conn *websocket.Conn, f models.Frame) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	enc := json.NewEncoder(buf)
	if err := enc.Encode(f); err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, buf.B)
}

func kindName(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return "validation"
	case apperr.KindNotFound:
		return "not_found"
	case apperr.KindForbidden:
		return "forbidden"
	case apperr.KindConflict:
		return "conflict"
	case apperr.KindDegraded:
		return "degraded"
	default:
		return "transient"
	}
}
