package rpcnode

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/matoous/go-nanoid/v2"

	"github.com/wgcairui/uartserver-ng-sub000/internal/config"
)

// handshakeTimeout bounds how long a newly accepted connection has to
// present its RegisterNode frame before being dropped (the secret is
// checked on the upgrade request, before accept).
const handshakeTimeout = 10 * time.Second

// Handler returns an http.Handler serving the /node namespace
// (spec.md §6 "The namespace identifier on the wire is /node").
// Authentication is a shared-secret field carried in the handshake
// query string, checked against cfg.RequireSecret() (spec.md §4.5,
// §6).
func (h *Hub) Handler(cfg *config.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cfg.RequireSecret() {
			if r.URL.Query().Get("token") != cfg.Secret {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
		if err != nil {
			slog.Debug("rpcnode: accept failed", "error", err)
			return
		}

		id, err := gonanoid.New(16)
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "id generation failed")
			return
		}
		sess := newSession(id, conn)

		h.serve(r.Context(), sess, conn)
	})
}

// wsReader is the subset of *websocket.Conn needed to read frames;
// tests substitute a fake.
type wsReader interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

func (h *Hub) serve(ctx context.Context, sess *Session, reader wsReader) {
	sess.touchHeartbeat(h.now())

	handshakeCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	typ, data, err := reader.Read(handshakeCtx)
	if err != nil {
		slog.Debug("rpcnode: handshake read failed", "error", err)
		return
	}
	if typ != websocket.MessageText {
		_ = sess.Close("expected a RegisterNode text frame")
		return
	}
	var first Frame
	if err := json.Unmarshal(data, &first); err != nil || first.Kind != "RegisterNode" {
		_ = sess.Close("first frame must be RegisterNode")
		return
	}
	h.HandleFrame(ctx, sess, first)
	sess.touchHeartbeat(h.now())

	for {
		typ, data, err := reader.Read(ctx)
		if err != nil {
			h.DisconnectCleanup(ctx, sess)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("rpcnode: dropping malformed frame", "error", err)
			continue
		}
		if f.Kind == "heartbeat" {
			sess.touchHeartbeat(h.now())
		}
		h.HandleFrame(ctx, sess, f)
	}
}
