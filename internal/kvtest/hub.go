package kvtest

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// changeEvent is pushed to every websocket client watching a namespace.
type changeEvent struct {
	Type       string    `json:"type"` // announce, retract
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
}

// hub fans announce/retract events out to connected watch clients,
// scoped per namespace since each watcher only cares about its own
// key/environment.
type hub struct {
	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]bool
	events  chan nsEvent
}

type nsEvent struct {
	ns    string
	event changeEvent
}

func newHub() *hub {
	return &hub{
		clients: make(map[string]map[*websocket.Conn]bool),
		events:  make(chan nsEvent, 256),
	}
}

func (h *hub) run() {
	for e := range h.events {
		h.mu.Lock()
		for conn := range h.clients[e.ns] {
			if err := conn.WriteJSON(e.event); err != nil {
				log.Printf("kvtest: websocket write error: %v", err)
				conn.Close()
				delete(h.clients[e.ns], conn)
			}
		}
		h.mu.Unlock()
	}
}

func (h *hub) register(ns string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[ns] == nil {
		h.clients[ns] = make(map[*websocket.Conn]bool)
	}
	h.clients[ns][conn] = true
}

func (h *hub) unregister(ns string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[ns][conn]; ok {
		delete(h.clients[ns], conn)
		conn.Close()
	}
}

func (h *hub) broadcast(ns, eventType, instanceID string) {
	select {
	case h.events <- nsEvent{ns: ns, event: changeEvent{Type: eventType, InstanceID: instanceID, Timestamp: time.Now()}}:
	default:
		log.Printf("kvtest: broadcast channel full, event dropped for %s", ns)
	}
}
