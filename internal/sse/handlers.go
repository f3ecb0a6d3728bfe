package sse

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// heartbeatInterval is how often an idle stream emits a comment line so
// intermediaries keep the connection open.
const heartbeatInterval = time.Second

// retryAfterSeconds is returned with a 503 when the connection cap is hit.
const retryAfterSeconds = "5"

// RegisterRoutes mounts the SSE endpoints on a gin engine.
func (b *Bus) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/progress/notice", b.handleNotice)
		api.GET("/progress/:uuid", b.handleProgress)
		api.GET("/sse/status", b.handleStatus)
	}
}

func (b *Bus) handleProgress(c *gin.Context) {
	uuid := c.Param("uuid")

	sub, err := b.SubscribeProgress(uuid)
	if err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			c.Header("Retry-After", retryAfterSeconds)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer b.Unsubscribe(sub)

	setStreamHeaders(c)
	writeEvent(c, gin.H{"event": "connected", "uuid": uuid})

	b.stream(c, sub)
}

func (b *Bus) handleNotice(c *gin.Context) {
	sub, err := b.SubscribeNotice()
	if err != nil {
		if errors.Is(err, ErrTooManyConnections) {
			c.Header("Retry-After", retryAfterSeconds)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer b.Unsubscribe(sub)

	setStreamHeaders(c)
	writeEvent(c, gin.H{"event": "connected"})

	b.stream(c, sub)
}

// stream pumps subscription events to the client until it disconnects,
// emitting heartbeat comments while idle.
func (b *Bus) stream(c *gin.Context, sub *Subscription) {
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if !writeEvent(c, ev) {
				return
			}
			heartbeat.Reset(heartbeatInterval)
		case <-heartbeat.C:
			if _, err := c.Writer.WriteString(": heartbeat\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func (b *Bus) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, b.Status())
}

func setStreamHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

func writeEvent(c *gin.Context, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
