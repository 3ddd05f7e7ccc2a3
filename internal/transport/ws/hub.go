package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"simcal.ai/internal/protocol"
	"simcal.ai/internal/sim/runner"
)

var ErrHubClosed = errors.New("ws hub closed")

const defaultClientQueue = 256

// Hub fans simulation events out to every attached websocket session of one namespace.
// It implements runner.Broadcaster.
type Hub struct {
	namespace string
	log       *log.Logger
	queue     int

	mu      sync.Mutex
	clients map[string]*client
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

type client struct {
	id  string
	out chan []byte
}

func NewHub(namespace string, logger *log.Logger) *Hub {
	return &Hub{
		namespace: namespace,
		log:       logger,
		queue:     defaultClientQueue,
		clients:   map[string]*client{},
	}
}

func (h *Hub) Namespace() string { return h.namespace }

func (h *Hub) Publish(ev runner.Event) error {
	b, err := json.Marshal(protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Event:           ev.Name,
		Data:            ev.Payload,
		Step:            ev.Step,
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, c := range h.clients {
		if !sendLatest(c.out, b) {
			h.dropped.Add(1)
		}
	}
	h.published.Add(1)
	return nil
}

func (h *Hub) attach() (*client, error) {
	c := &client{id: uuid.NewString(), out: make(chan []byte, h.queue)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.clients[c.id] = c
	return c, nil
}

func (h *Hub) detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.out)
	}
}

// Clients reports the number of attached sessions.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

// Close detaches every session. Their writers send a going-away close frame.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.out)
	}
}

// sendLatest enqueues b, dropping the oldest queued message when full. It reports false if something was dropped.
func sendLatest(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
	return false
}
