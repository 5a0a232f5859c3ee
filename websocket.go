// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const wsWriteWait = 10 * time.Second

// wsConn adapts a websocket connection to Conn.
type wsConn struct {
	ws *websocket.Conn
}

func (c wsConn) WriteMessage(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c wsConn) Close() error {
	return c.ws.Close()
}

// WebsocketHandler upgrades requests and attaches them to a Hub. Incoming
// text frames are console requests {"id": n, "code": "..."}.
type WebsocketHandler struct {
	hub      *Hub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWebsocketHandler returns the /ws endpoint for hub.
func NewWebsocketHandler(hub *Hub, log zerolog.Logger) *WebsocketHandler {
	return &WebsocketHandler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	entry := h.hub.Register(wsConn{ws: ws})
	log := h.log.With().Str("conn", entry.ID).Logger()
	defer func() {
		h.hub.Tombstone(entry.ID)
		ws.Close()
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("websocket read failed")
			}
			return
		}
		var req ConsoleRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			log.Debug().Err(err).Msg("bad console request")
			continue
		}
		if err := h.hub.HandleConsole(r.Context(), entry.ID, req); err != nil {
			log.Debug().Err(err).Msg("console reply failed")
			return
		}
	}
}

// EventClient reads event frames from a /ws endpoint and can send console
// requests on it.
type EventClient struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// DialEvents connects to a websocket event endpoint (ws:// or wss://).
func DialEvents(ctx context.Context, url string) (*EventClient, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		CleanlyCloseBody(resp.Body)
	}
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &EventClient{ws: ws}, nil
}

// Next blocks for the next event.
func (c *EventClient) Next() (Event, error) {
	var ev Event
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return ev, err
	}
	if err := json.Unmarshal(msg, &ev); err != nil {
		return ev, fmt.Errorf("bad event frame: %w", err)
	}
	return ev, nil
}

// Console sends one console request; the reply arrives through Next as an
// EventConsole with the same id.
func (c *EventClient) Console(id int64, code string) error {
	data, err := json.Marshal(ConsoleRequest{ID: id, Code: code})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and closes the connection.
func (c *EventClient) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
