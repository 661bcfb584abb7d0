package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"energy-exchange/internal/engine"
)

var log = logrus.WithField("component", "ws")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub streams auction engine events to WebSocket consumers. A consumer sees
// the full stream by default, or can narrow it to events addressing specific
// traders (as bidder, asker, buyer or seller) with a watch frame:
//
//	{"watch": ["<trader-id>", ...]}   filter to those traders
//	{"watch": []}                     back to the full stream
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	mu      sync.Mutex
	sock    *websocket.Conn
	out     chan []byte
	traders map[string]struct{} // empty = full stream
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

// Broadcast delivers an engine event to every subscriber whose filter
// matches it. Called from the engine goroutine, so a slow consumer is
// skipped rather than allowed to stall a roll.
func (h *Hub) Broadcast(e engine.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Warnf("marshal %s event: %v", e.Type, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.out <- payload:
		default:
		}
	}
}

// wants reports whether the event addresses one of the watched traders.
func (s *subscriber) wants(e engine.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.traders) == 0 {
		return true
	}
	for _, id := range [...]string{e.Trader, e.Buyer, e.Seller} {
		if id == "" {
			continue
		}
		if _, ok := s.traders[id]; ok {
			return true
		}
	}
	return false
}

func (s *subscriber) setWatch(traders []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traders = make(map[string]struct{}, len(traders))
	for _, id := range traders {
		s.traders[id] = struct{}{}
	}
}

// HandleWS upgrades the connection and attaches it to the event stream.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade: %v", err)
		return
	}
	s := &subscriber{sock: sock, out: make(chan []byte, 64)}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go s.writeLoop()
	go h.readLoop(s)
}

// readLoop consumes watch frames until the peer goes away, then detaches
// the subscriber.
func (h *Hub) readLoop(s *subscriber) {
	defer h.drop(s)
	for {
		_, frame, err := s.sock.ReadMessage()
		if err != nil {
			return
		}
		var ctl struct {
			Watch []string `json:"watch"`
		}
		if err := json.Unmarshal(frame, &ctl); err != nil {
			continue
		}
		s.setWatch(ctl.Watch)
	}
}

func (s *subscriber) writeLoop() {
	defer s.sock.Close()
	for payload := range s.out {
		if err := s.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (h *Hub) drop(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	close(s.out)
	s.sock.Close()
}
