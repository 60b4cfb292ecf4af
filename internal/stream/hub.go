// Package stream pushes live decision summaries to websocket subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
)

const (
	PingPeriod   = 30 * time.Second
	writeTimeout = 5 * time.Second
	sendBuffer   = 256
)

// Filter narrows what one subscriber receives. Empty fields match everything.
type Filter struct {
	Decision model.Decision
	ClientID string
}

func (f Filter) match(evt model.DecisionEvent) bool {
	if f.Decision != "" && f.Decision != evt.Decision {
		return false
	}
	if f.ClientID != "" && f.ClientID != evt.ClientID {
		return false
	}
	return true
}

type subscriber struct {
	send    chan model.DecisionEvent
	filter  Filter
	dropped atomic.Int64
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// that cannot keep up loses events rather than slowing evaluations down.
type Hub struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*subscriber]struct{})}
}

func (h *Hub) Publish(evt model.DecisionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.filter.match(evt) {
			continue
		}
		select {
		case s.send <- evt:
		default:
			s.dropped.Add(1)
		}
	}
}

func (h *Hub) subscribe(f Filter) *subscriber {
	s := &subscriber{send: make(chan model.DecisionEvent, sendBuffer), filter: f}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	metrics.FeedSubscribers.Inc()
	return s
}

func (h *Hub) unsubscribe(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.send)
		metrics.FeedSubscribers.Dec()
	}
	h.mu.Unlock()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Serve pumps events to conn until the peer goes away or ctx ends.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, f Filter) {
	s := h.subscribe(f)
	defer func() {
		h.unsubscribe(s)
		_ = conn.Close()
		if n := s.dropped.Load(); n > 0 {
			logger.Warn("decision feed subscriber dropped events", "dropped", n)
		}
	}()

	// Zombie check: no pong within PingPeriod + buffer means the peer is gone
	readTimeout := PingPeriod + 10*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		// subscribers never send; the read loop only drives control frames
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeTimeout))
			return
		case <-closed:
			return
		case evt, ok := <-s.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				logger.Debug("decision feed write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
