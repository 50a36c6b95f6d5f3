package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/pkg/types"
)

// wsRequest is a client -> server control message.
type wsRequest struct {
	Op     string    `json:"op"`
	RunID  string    `json:"run_id"`
	Filter *wsFilter `json:"filter,omitempty"`
}

// wsFilter restricts a subscription to a subset of event kinds and/or a
// single node_id.
type wsFilter struct {
	Kinds  []string `json:"kinds,omitempty"`
	NodeID string   `json:"node_id,omitempty"`
}

func (f *wsFilter) matches(e types.Event) bool {
	if f == nil {
		return true
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if types.EventKind(k) == e.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// wsAck is the server's reply to a subscribe/unsubscribe request.
type wsAck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// wsMessage wraps a delivered event per the hub's wire contract.
type wsMessage struct {
	RunID string      `json:"run_id"`
	Event types.Event `json:"event"`
}

// subscription tracks one run_id's live tail for a single Client.
type subscription struct {
	filter *wsFilter
	cancel context.CancelFunc
}

// Client is one WebSocket connection. It owns its own send buffer and its
// own set of per-run subscriptions; the only cross-client shared state is
// mediated through the Hub's register/unregister channels.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	subs map[string]*subscription
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply(wsAck{OK: false, Error: "invalid request"})
			continue
		}
		switch req.Op {
		case "subscribe":
			c.subscribe(req.RunID, req.Filter)
		case "unsubscribe":
			c.unsubscribe(req.RunID)
		default:
			c.reply(wsAck{OK: false, Error: "unknown op"})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *Client) subscribe(runID string, filter *wsFilter) {
	if runID == "" {
		c.reply(wsAck{OK: false, Error: "run_id required"})
		return
	}
	if existing, ok := c.subs[runID]; ok {
		existing.cancel()
	}

	if _, err := c.hub.store.Get(context.Background(), runID); err != nil {
		c.reply(wsAck{OK: false, Error: "run not found"})
		return
	}

	cursor, err := c.hub.log.Subscribe(context.Background(), runID, 0)
	if err != nil {
		c.reply(wsAck{OK: false, Error: "subscribe failed"})
		return
	}

	sub := &subscription{filter: filter, cancel: cursor.Close}
	c.subs[runID] = sub

	// Ack before the pump starts so the {ok:true} always precedes the first
	// delivered event on the wire.
	c.reply(wsAck{OK: true})
	go c.pump(runID, cursor, sub)
}

func (c *Client) unsubscribe(runID string) {
	if sub, ok := c.subs[runID]; ok {
		sub.cancel()
		delete(c.subs, runID)
	}
	c.reply(wsAck{OK: true})
}

func (c *Client) pump(runID string, cursor *eventlog.Cursor, sub *subscription) {
	for e := range cursor.Events {
		if !sub.filter.matches(e) {
			continue
		}
		b, err := json.Marshal(wsMessage{RunID: runID, Event: e})
		if err != nil {
			continue
		}
		select {
		case c.send <- b:
		default:
			c.logger.Warn("websocket client send buffer full, dropping message", "run_id", runID)
		}
	}
}

func (c *Client) reply(a wsAck) {
	b, _ := json.Marshal(a)
	select {
	case c.send <- b:
	default:
	}
}

func (c *Client) closeAllSubs() {
	for id, sub := range c.subs {
		sub.cancel()
		delete(c.subs, id)
	}
}
