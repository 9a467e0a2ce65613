package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/signalsfoundry/safewalk/model"
)

// streamPeers sends the peer set as server-sent "peers" events: the
// current set first, then every change. A slow client only sees the
// latest set.
func (h *handlers) streamPeers(c *gin.Context) {
	if !h.requireSession(c) {
		return
	}
	updates := make(chan []model.PresenceRecord, 1)
	unsubscribe := h.deps.Session.OnPeersChange(func(peers []model.PresenceRecord) {
		for {
			select {
			case updates <- peers:
				return
			default:
			}
			select {
			case <-updates:
			default:
			}
		}
	})
	defer unsubscribe()

	ctx := c.Request.Context()
	c.Header("Cache-Control", "no-cache")
	c.SSEvent("peers", h.deps.Session.Peers())
	c.Writer.Flush()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case peers := <-updates:
			c.SSEvent("peers", peers)
			return true
		}
	})
}

// streamChat sends new messages with the peer as "message" events.
func (h *handlers) streamChat(c *gin.Context) {
	if !h.requireChat(c) {
		return
	}
	ctx := c.Request.Context()
	msgs, err := h.deps.Chat.Watch(ctx, c.Param("peer"))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case m, ok := <-msgs:
			if !ok {
				return false
			}
			c.SSEvent("message", m)
			return true
		}
	})
}
