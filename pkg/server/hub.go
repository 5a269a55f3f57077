package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nicktill/thermalstore/pkg/analyzer"
	"github.com/nicktill/thermalstore/pkg/config"
	"github.com/rs/zerolog"
)

// EventModelUpdate is the type of the message sent after every model update
const EventModelUpdate = "model_update"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// ModelEvent is pushed to websocket clients when the thermal model changes
type ModelEvent struct {
	Type            string                   `json:"type"`
	Characteristics analyzer.Characteristics `json:"characteristics"`
}

// Hub fans thermal model updates out to websocket clients
type Hub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}

	log zerolog.Logger
	mu  sync.RWMutex
}

// NewHub creates a new websocket hub. Call Run to start it.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run starts the hub's main loop and closes every client when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", count).Msg("WebSocket client connected")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("clients", count).Msg("WebSocket client disconnected")
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.log.Warn().Err(err).Msg("WebSocket write failed")
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			// Unregister outside the lock; the loop itself drains this channel
			for _, conn := range failed {
				go h.remove(conn)
			}
		}
	}
}

// Broadcast queues data for every connected client. Messages are dropped
// when the queue is full.
func (h *Hub) Broadcast(data any) error {
	message, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- message:
	default:
		h.log.Warn().Msg("Broadcast queue full, dropping message")
	}
	return nil
}

// PublishModel is a service.ModelListener pushing model updates to clients
func (h *Hub) PublishModel(model analyzer.Characteristics) {
	if !h.HasClients() {
		return
	}
	if err := h.Broadcast(ModelEvent{Type: EventModelUpdate, Characteristics: model}); err != nil {
		h.log.Error().Err(err).Msg("Failed to broadcast model update")
	}
}

// remove unregisters conn unless the hub has stopped
func (h *Hub) remove(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// HasClients returns true if there are any connected websocket clients
func (h *Hub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// ServeWS handles GET /v1/ws. The current model is sent on connect.
func (h *Hub) ServeWS(current func() analyzer.Characteristics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		if current != nil {
			conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := conn.WriteJSON(ModelEvent{Type: EventModelUpdate, Characteristics: current()}); err != nil {
				conn.Close()
				return
			}
		}

		select {
		case h.register <- conn:
		case <-h.done:
			conn.Close()
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer func() {
			cancel()
			h.remove(conn)
		}()

		go func() {
			ticker := time.NewTicker(config.WSPingInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
						return
					}
				}
			}
		}()

		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
			return nil
		})

		// Clients only send control frames
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					h.log.Debug().Err(err).Msg("WebSocket closed unexpectedly")
				}
				return
			}
		}
	}
}
