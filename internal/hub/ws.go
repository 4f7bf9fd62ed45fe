package hub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/streamhub/core/logx"
)

const (
	readLimit    = 64 << 10
	writeTimeout = 10 * time.Second
)

// UserResolver extracts the already authenticated user id from a handshake.
type UserResolver func(r *http.Request) string

// HeaderUserResolver reads the X-User-Id header, falling back to the user_id
// query parameter.
func HeaderUserResolver(r *http.Request) string {
	if u := strings.TrimSpace(r.Header.Get("X-User-Id")); u != "" {
		return u
	}
	return strings.TrimSpace(r.URL.Query().Get("user_id"))
}

type wsTransport struct {
	c *websocket.Conn
}

func (t *wsTransport) Write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return t.c.Write(ctx, websocket.MessageText, msg)
}

func (t *wsTransport) Ping(ctx context.Context) error { return t.c.Ping(ctx) }

func (t *wsTransport) Close(cause error) error {
	switch {
	case errors.Is(cause, ErrLivenessTimeout):
		// the peer is gone; a close handshake would only wait
		return t.c.CloseNow()
	case errors.Is(cause, ErrUnsupportedData):
		return t.c.Close(websocket.StatusUnsupportedData, "binary frames not supported")
	case errors.Is(cause, ErrShuttingDown):
		return t.c.Close(websocket.StatusGoingAway, "server shutting down")
	case cause == nil, errors.Is(cause, ErrClosed):
		return t.c.Close(websocket.StatusNormalClosure, "")
	default:
		return t.c.CloseNow()
	}
}

// WSHandler accepts hub websocket connections. origins lists the allowed
// Origin host patterns; empty means same-origin only.
func WSHandler(h *Hub, resolve UserResolver, origins []string) http.HandlerFunc {
	if resolve == nil {
		resolve = HeaderUserResolver
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Draining() {
			http.Error(w, "draining", http.StatusServiceUnavailable)
			return
		}
		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
		if err != nil {
			logx.Log.Debug().Err(err).Msg("websocket accept failed")
			return
		}
		ws.SetReadLimit(readLimit)

		c, ctx, err := h.Attach(r.Context(), "", resolve(r), &wsTransport{c: ws})
		if err != nil {
			_ = ws.Close(websocket.StatusInternalError, "registration failed")
			return
		}
		for {
			typ, data, err := ws.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					var ce websocket.CloseError
					if errors.As(err, &ce) {
						logx.Log.Debug().Str("conn_id", c.ID).Int("code", int(ce.Code)).Str("reason", ce.Reason).Msg("peer closed")
					} else {
						logx.Log.Debug().Err(err).Str("conn_id", c.ID).Msg("read failed")
					}
				}
				if websocket.CloseStatus(err) != -1 {
					err = ErrClosed
				}
				h.Close(c.ID, err)
				return
			}
			if typ == websocket.MessageBinary {
				logx.Log.Warn().Str("conn_id", c.ID).Msg("binary frame received; closing")
				h.Close(c.ID, ErrUnsupportedData)
				return
			}
			h.HandleMessage(c, data)
		}
	}
}
