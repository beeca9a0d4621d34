// Package feed pushes ledger changes to WebSocket clients in real time.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/optionquest/trading-core/internal/metrics"
	"github.com/optionquest/trading-core/internal/model"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type        string `json:"type"`
	AccountID   int64  `json:"user_id"`
	Kind        string `json:"kind"`
	Ticker      string `json:"ticker,omitempty"`
	Amount      string `json:"amount"`
	PositionID  string `json:"position_id,omitempty"`
	CashBalance string `json:"current_cash"`
	At          string `json:"at"`
}

// Hub manages WebSocket connections and broadcasts a message to every
// connected client after each committed ledger change. Clients may pass
// ?userId= to receive only their own account's changes.
type Hub struct {
	clients    map[*websocket.Conn]int64
	broadcast  chan Message
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

type subscription struct {
	conn      *websocket.Conn
	accountID int64
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]int64),
		broadcast:  make(chan Message, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called
// in a goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.accountID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "account", sub.accountID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for conn, accountID := range h.clients {
				if accountID != 0 && accountID != msg.AccountID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// OnLedgerChange queues ev for broadcast. It never blocks the trade path:
// when the buffer is full the message is dropped.
func (h *Hub) OnLedgerChange(_ context.Context, ev model.LedgerEvent) error {
	msg := Message{
		Type:        "ledger_change",
		AccountID:   ev.AccountID,
		Kind:        ev.Kind,
		Ticker:      ev.Ticker,
		Amount:      ev.Amount.String(),
		PositionID:  ev.PositionID,
		CashBalance: ev.CashBalance.String(),
		At:          ev.At.UTC().Format(time.RFC3339),
	}
	select {
	case h.broadcast <- msg:
	default:
		slog.Warn("ws broadcast buffer full, dropping message", "account", ev.AccountID, "kind", ev.Kind)
	}
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS is enforced by the router.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var accountID int64
	if raw := r.URL.Query().Get("userId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			http.Error(w, `{"error":"invalid userId"}`, http.StatusBadRequest)
			return
		}
		accountID = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, accountID: accountID}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
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
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}()
}
