package broadcast

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/tendant/simple-ocr/pkg/schema"
)

type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration
}

func (c wsConn) Send(ev schema.LogEvent) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return websocket.JSON.Send(c.ws, ev)
}

func (c wsConn) Close() error { return c.ws.Close() }

// Handler streams events as JSON text frames until the client disconnects.
// Incoming frames keep the connection alive; a frame carrying a JSON object
// with source "frontend" is republished to every observer.
func (h *Hub) Handler() http.Handler {
	return websocket.Server{Handler: func(ws *websocket.Conn) {
		id := h.Subscribe(wsConn{ws: ws, timeout: h.writeTimeout})
		defer h.Unsubscribe(id)

		for {
			var frame string
			if err := websocket.Message.Receive(ws, &frame); err != nil {
				return
			}
			h.relayFrontend(frame)
		}
	}}
}

func (h *Hub) relayFrontend(frame string) {
	frame = strings.TrimSpace(frame)
	if !strings.HasPrefix(frame, "{") {
		return
	}
	var in struct {
		Message string           `json:"message"`
		Source  schema.LogSource `json:"source"`
	}
	if err := json.Unmarshal([]byte(frame), &in); err != nil {
		return
	}
	if in.Source != schema.SourceFrontend || in.Message == "" {
		return
	}
	h.Publish(in.Message, schema.SourceFrontend)
}
