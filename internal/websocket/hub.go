package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/savagelysubtle/AiChemistTransmutations-sub001/internal/infrastructure"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/pkg/contracts"
	"github.com/savagelysubtle/AiChemistTransmutations-sub001/pkg/contracts/events"
)

// ErrHubStopped is returned when a client is handed to a hub that is not running
var ErrHubStopped = errors.New("websocket hub stopped")

const broadcastBuffer = 64

// Hub fans license notifications out to every connected UI client
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	overflow   chan struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	mu     sync.RWMutex
	count  int
	logger *slog.Logger

	metrics *HubMetrics

	// snapshot, when set, is sent to every client right after the connect message
	snapshot func() []byte
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithHubMetrics records connection and message counts
func WithHubMetrics(m *HubMetrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithSnapshot sends the result of fn to each newly connected client
func WithSnapshot(fn func() []byte) HubOption {
	return func(h *Hub) { h.snapshot = fn }
}

// NewHub creates a Hub. Call Run to start it.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, broadcastBuffer),
		overflow:   make(chan struct{}, 1),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     infrastructure.WithComponent(logger, "websocket.hub"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns the client set until ctx is done, then closes every client
func (h *Hub) Run(ctx context.Context) error {
	defer h.stopOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(ctx, client)
			}
			h.logger.InfoContext(ctx, "Hub shutting down")
			return nil

		case client := <-h.register:
			h.clients[client] = struct{}{}
			h.setCount(len(h.clients))
			h.metrics.recordConnect(ctx)
			h.welcome(client)

			h.logger.InfoContext(infrastructure.WithTraceID(ctx, client.traceID), "Client registered",
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr),
				slog.Int("total_clients", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(ctx, client)
				h.logger.InfoContext(infrastructure.WithTraceID(ctx, client.traceID), "Client unregistered",
					slog.String("client_id", client.id),
					slog.Duration("connection_duration", time.Since(client.connectedAt)),
					slog.Int("total_clients", len(h.clients)))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
					h.metrics.recordSent(ctx)
				default:
					// Slow consumer; it reconnects and gets a fresh snapshot.
					h.logger.WarnContext(ctx, "Dropping slow client",
						slog.String("client_id", client.id))
					h.metrics.recordDropped(ctx)
					h.drop(ctx, client)
				}
			}

		case <-h.overflow:
			// Every client missed at least one message. Disconnect them all
			// so they reconnect and start from a fresh snapshot.
			h.logger.WarnContext(ctx, "Broadcast queue overflowed, disconnecting clients to resync",
				slog.Int("total_clients", len(h.clients)))
			h.discardQueued()
			for client := range h.clients {
				h.metrics.recordDropped(ctx)
				h.drop(ctx, client)
			}
		}
	}
}

func (h *Hub) discardQueued() {
	for {
		select {
		case <-h.broadcast:
		default:
			return
		}
	}
}

func (h *Hub) drop(ctx context.Context, client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.setCount(len(h.clients))
	h.metrics.recordDisconnect(ctx)
}

func (h *Hub) welcome(client *Client) {
	connect, err := Encode(events.MessageTypeConnect, client.traceID, events.ConnectData{
		ClientID:   client.id,
		APIVersion: contracts.APIVersion,
	})
	if err == nil {
		client.send <- connect
	}
	if h.snapshot != nil {
		if msg := h.snapshot(); msg != nil {
			client.send <- msg
		}
	}
}

func (h *Hub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Broadcast queues message for every client. It never blocks; when the
// hub has stopped the message is dropped and false is returned. When the
// queue is full the message is dropped, false is returned, and every
// connected client is disconnected so it resyncs on reconnect.
func (h *Hub) Broadcast(message []byte) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.broadcast <- message:
		return true
	default:
		h.metrics.recordDropped(context.Background())
		select {
		case h.overflow <- struct{}{}:
		default:
		}
		return false
	}
}

// BroadcastMessage wraps data in a WebSocketMessage and broadcasts it
func (h *Hub) BroadcastMessage(msgType events.MessageType, traceID string, data interface{}) error {
	msg, err := Encode(msgType, traceID, data)
	if err != nil {
		return err
	}
	if !h.Broadcast(msg) {
		h.logger.Warn("Broadcast dropped", slog.String("type", string(msgType)))
	}
	return nil
}

// Attach registers conn as a client and starts its pumps. It returns
// ErrHubStopped when the hub is no longer running.
func (h *Hub) Attach(conn Connection, traceID string) (*Client, error) {
	client := newClient(h, conn, traceID)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return nil, ErrHubStopped
	}

	go client.WritePump()
	go client.ReadPump()
	return client, nil
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Encode builds the JSON form of a WebSocketMessage
func Encode(msgType events.MessageType, traceID string, data interface{}) ([]byte, error) {
	return json.Marshal(events.WebSocketMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		TraceID:   traceID,
		Data:      data,
	})
}
