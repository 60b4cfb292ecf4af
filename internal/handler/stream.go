package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/pkg/logger"
	"github.com/GoPolymarket/fraudgate/internal/stream"
)

type StreamHandler struct {
	hub      *stream.Hub
	ctx      context.Context
	upgrader websocket.Upgrader
}

// NewStreamHandler ties open feeds to ctx so shutdown closes them.
func NewStreamHandler(ctx context.Context, hub *stream.Hub) *StreamHandler {
	return &StreamHandler{
		hub: hub,
		ctx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Decisions upgrades to a websocket streaming decision events.
// Optional query filters: decision, client_id.
func (h *StreamHandler) Decisions(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("decision feed upgrade failed", "error", err)
		return
	}
	f := stream.Filter{
		Decision: model.Decision(c.Query("decision")),
		ClientID: c.Query("client_id"),
	}
	h.hub.Serve(h.ctx, conn, f)
}

func (h *StreamHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"subscribers": h.hub.Subscribers()})
}
