package fanout

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mentatlab/orchestrator/internal/eventlog"
	"github.com/mentatlab/orchestrator/internal/metrics"
	"github.com/mentatlab/orchestrator/internal/runstore"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is the single process-wide registry of WebSocket connections. Each
// connection may subscribe to one or more run_id topics independently; the
// Hub itself only tracks the connection set and hands each Client its own
// EventLog access for per-run tailing.
type Hub struct {
	log    eventlog.EventLog
	store  runstore.RunStore
	logger *slog.Logger

	register   chan *Client
	unregister chan *Client
	clients    map[*Client]bool
	stopCh     chan struct{}
}

// NewHub builds a Hub. Call Run in its own goroutine before serving /ws.
func NewHub(log eventlog.EventLog, store runstore.RunStore, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		log:        log,
		store:      store,
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		stopCh:     make(chan struct{}),
	}
}

// Run is the Hub's single-goroutine registration loop. The client set is
// mutated only here, via message passing, never directly.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			metrics.WSActiveConnections.Inc()

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeAllSubs()
				// Signal writePump via done rather than closing send: the
				// per-subscription pump goroutines may still be draining their
				// cursors and sending, and a send on a closed channel panics.
				close(c.done)
				metrics.WSActiveConnections.Dec()
			}

		case <-h.stopCh:
			return
		}
	}
}

// Stop ends the Hub's registration loop.
func (h *Hub) Stop() {
	close(h.stopCh)
}

// ServeWS upgrades an HTTP request to a WebSocket connection and begins
// pumping its read/write loops.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		subs:   make(map[string]*subscription),
		logger: h.logger,
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)
