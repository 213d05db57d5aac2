package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/auction-engine/internal/metrics"
)

// client is one WebSocket subscriber. It receives the events of auctionID;
// bidder-scoped events reach it only when they name bidderID.
type client struct {
	conn      *websocket.Conn
	auctionID string
	bidderID  string
}

type routed struct {
	auctionID string
	bidderID  string
	data      []byte
}

// WSHub manages WebSocket connections and pushes auction events to the
// clients subscribed to each auction.
type WSHub struct {
	clients    map[*client]bool
	broadcast  chan routed
	register   chan *client
	unregister chan *client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan routed, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's event loop and returns when ctx is done. Once it
// has returned, new connections are refused.
func (h *WSHub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "auction", c.auctionID, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if c.auctionID != msg.auctionID {
					continue
				}
				if msg.bidderID != "" && c.bidderID != msg.bidderID {
					continue
				}
				c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					c.conn.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish queues e for the subscribers of its auction. Events are dropped
// when the buffer is full so bidding never blocks on slow clients.
func (h *WSHub) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- routed{auctionID: e.AuctionID, bidderID: e.BidderID, data: data}:
	default:
		slog.Warn("ws broadcast buffer full, dropping event", "type", e.Type, "auction", e.AuctionID)
	}
	return nil
}

// ClientCount returns the number of registered clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles GET /api/v1/ws?auction_id=&bidder_id=.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	auctionID := r.URL.Query().Get("auction_id")
	if auctionID == "" {
		http.Error(w, `{"error":"auction_id_required","message":"auction_id is required"}`, http.StatusBadRequest)
		return
	}
	select {
	case <-h.done:
		http.Error(w, `{"error":"shutting_down","message":"event stream is closed"}`, http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{conn: conn, auctionID: auctionID, bidderID: r.URL.Query().Get("bidder_id")}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- c:
			case <-h.done:
				conn.Close()
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
			case <-h.done:
				return
			}
			var pingErr error
			h.mu.Lock()
			_, ok := h.clients[c]
			if ok {
				pingErr = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			h.mu.Unlock()
			if !ok || pingErr != nil {
				return
			}
		}
	}()
}
