package lending

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/wallet"
)

// WebSocket event types.
const (
	EventPositionUpdated = "position_updated"
	EventPriceUpdated    = "price_updated"
	EventAccountReset    = "account_reset"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type         string `json:"type"`
	Address      string `json:"address"`
	Kind         string `json:"kind,omitempty"`
	Amount       string `json:"amount,omitempty"`
	Collateral   string `json:"collateral,omitempty"`
	Debt         string `json:"debt,omitempty"`
	OraclePrice  string `json:"oracle_price,omitempty"`
	TokenBalance string `json:"token_balance,omitempty"`
	HealthFactor string `json:"health_factor,omitempty"`
	Status       string `json:"status,omitempty"`
}

// subscriber is one connection. An empty address receives every wallet's
// events; otherwise only events for that wallet.
type subscriber struct {
	conn    *websocket.Conn
	address string
}

func (s *subscriber) wants(address string) bool {
	return s.address == "" || s.address == address
}

type event struct {
	address string
	data    []byte
}

// WSHub fans position events out to WebSocket clients, optionally filtered
// to a single wallet with ?address=.
type WSHub struct {
	subs       map[*websocket.Conn]*subscriber
	events     chan event
	register   chan *subscriber
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		subs:       make(map[*websocket.Conn]*subscriber),
		events:     make(chan event, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop and returns when ctx is done, closing
// every client. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.subs {
				conn.Close()
				delete(h.subs, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.subs[sub.conn] = sub
			total := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "address", sub.address, "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

func (h *WSHub) deliver(ev event) {
	h.mu.Lock()
	for conn, sub := range h.subs {
		if !sub.wants(ev.address) {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, ev.data); err != nil {
			conn.Close()
			delete(h.subs, conn)
		}
	}
	total := len(h.subs)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.subs[conn]; ok {
		delete(h.subs, conn)
		conn.Close()
	}
	total := len(h.subs)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues msg for every client subscribed to msg.Address.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.events <- event{address: msg.Address, data: data}:
	default:
		// Drop if buffer full to avoid blocking operations.
		slog.Warn("ws event dropped", "type", msg.Type, "address", msg.Address)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades GET /api/v1/ws[?address=0x...]. An invalid address is
// refused before the upgrade.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sub := &subscriber{}
	if raw := r.URL.Query().Get("address"); raw != "" {
		addr, err := wallet.Normalize(raw)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		sub.address = addr
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	sub.conn = conn

	select {
	case h.register <- sub:
	case <-h.done:
		conn.Close()
		return
	}

	// Clients only send pongs; reading detects disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.subs[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
