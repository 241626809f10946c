package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var errNotFound = errors.New("not found")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type decisionEvent struct {
	Seq    uint64 `json:"seq"`
	Digest string `json:"digest"`
}

// decisionHub fans out finalized-decision events to every connected
// GET /ws/decisions subscriber. Slow subscribers are dropped rather
// than allowed to block the broadcaster.
type decisionHub struct {
	mu          sync.Mutex
	subscribers map[chan decisionEvent]struct{}
}

func newDecisionHub() *decisionHub {
	return &decisionHub{subscribers: make(map[chan decisionEvent]struct{})}
}

func (h *decisionHub) broadcast(ev decisionEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
			delete(h.subscribers, ch)
			close(ch)
		}
	}
}

func (h *decisionHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := make(chan decisionEvent, 32)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		h.mu.Unlock()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
