package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/fraudgate/internal/model"
)

func startFeed(t *testing.T, h *Hub, f Filter) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Serve(ctx, conn, f)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return h.Subscribers() > 0 }, time.Second, 5*time.Millisecond)
	return conn
}

func TestHubDeliversEvents(t *testing.T) {
	h := NewHub()
	conn := startFeed(t, h, Filter{})

	h.Publish(model.DecisionEvent{EvaluationID: "ev-1", TransactionID: "tx-1", Decision: model.DecisionBlocked, RiskScore: 92})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.DecisionEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "tx-1", got.TransactionID)
	assert.Equal(t, model.DecisionBlocked, got.Decision)
}

func TestHubFilter(t *testing.T) {
	h := NewHub()
	conn := startFeed(t, h, Filter{Decision: model.DecisionBlocked})

	h.Publish(model.DecisionEvent{TransactionID: "ok", Decision: model.DecisionApprove})
	h.Publish(model.DecisionEvent{TransactionID: "bad", Decision: model.DecisionBlocked})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got model.DecisionEvent
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "bad", got.TransactionID)
}

func TestHubUnsubscribesOnDisconnect(t *testing.T) {
	h := NewHub()
	conn := startFeed(t, h, Filter{})
	require.Equal(t, 1, h.Subscribers())

	conn.Close()
	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPublishNeverBlocks(t *testing.T) {
	h := NewHub()
	s := h.subscribe(Filter{})
	defer h.unsubscribe(s)

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer*2; i++ {
			h.Publish(model.DecisionEvent{TransactionID: "tx"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, int64(sendBuffer), s.dropped.Load())
}
