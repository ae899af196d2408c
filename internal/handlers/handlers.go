package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fabiohfernandes/Matchmaker/internal/engine"
	"github.com/fabiohfernandes/Matchmaker/internal/health"
	"github.com/fabiohfernandes/Matchmaker/internal/session"
	"github.com/fabiohfernandes/Matchmaker/pkg/api"
	"github.com/fabiohfernandes/Matchmaker/pkg/logging"
)

// Handlers serves the client-facing HTTP API.
type Handlers struct {
	logger   logging.Logger
	eng      *engine.Engine
	sessions *session.Store
	sup      *health.Supervisor
}

// New creates the HTTP handler set.
func New(logger logging.Logger, eng *engine.Engine, sessions *session.Store, sup *health.Supervisor) *Handlers {
	return &Handlers{logger: logger, eng: eng, sessions: sessions, sup: sup}
}

// HandleHealth reports overall service health and engine stats.
func (h *Handlers) HandleHealth(c *gin.Context) {
	status := health.StatusHealthy
	if h.sup != nil {
		status = h.sup.Overall()
	}

	code := http.StatusOK
	if status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, api.Success(gin.H{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
		"stats":     h.eng.Stats(),
	}))
}

// HandleSignallingServer hands the caller an eligible stream node.
func (h *Handlers) HandleSignallingServer(c *gin.Context) {
	node, ok := h.eng.AcquireNode()
	if !ok {
		c.JSON(http.StatusNotFound, api.Error("No signalling servers available"))
		return
	}

	protocol := "ws"
	if node.Secure {
		protocol = "wss"
	}
	c.JSON(http.StatusOK, api.Success(gin.H{
		"signallingServer": fmt.Sprintf("%s:%d", node.Address, node.Port),
		"protocol":         protocol,
		"serverId":         node.ID,
	}))
}

type joinQueueRequest struct {
	ClientID string `json:"clientId"`
	Priority int    `json:"priority"`
}

// HandleQueueJoin enqueues a new session and tries an immediate drain.
func (h *Handlers) HandleQueueJoin(c *gin.Context) {
	var req joinQueueRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, api.Error("Invalid request body"))
			return
		}
	}

	sess := h.eng.Enqueue(req.ClientID, req.Priority)
	h.eng.DrainQueue()

	position := 0
	if qs, ok := h.eng.QueuePosition(sess.ID); ok {
		position = qs.Position
	}
	c.JSON(http.StatusOK, api.Success(gin.H{
		"sessionId":     sess.ID,
		"queuePosition": position,
	}))
}

// HandleQueuePosition reports a session's queue slot, touching activity.
func (h *Handlers) HandleQueuePosition(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, ok := h.sessions.Get(sessionID); !ok {
		c.JSON(http.StatusNotFound, api.Error("Session not found"))
		return
	}
	h.sessions.UpdateActivity(sessionID)

	qs, ok := h.eng.QueuePosition(sessionID)
	if !ok {
		// Known session, no longer queued (assigned or removed from queue).
		c.JSON(http.StatusNotFound, api.Error("Session not in queue"))
		return
	}
	c.JSON(http.StatusOK, api.Success(gin.H{
		"position":     qs.Position,
		"totalInQueue": qs.TotalInQueue,
		"etaMs":        qs.ETAMs,
	}))
}

// HandleStats returns the detailed operator view, including the node list.
func (h *Handlers) HandleStats(c *gin.Context) {
	stats := h.eng.Stats()
	sessionStats := h.sessions.Stats()

	byStatus := make(map[string]int, len(sessionStats.ByStatus))
	for status, n := range sessionStats.ByStatus {
		byStatus[string(status)] = n
	}

	c.JSON(http.StatusOK, api.Success(gin.H{
		"stats":            stats,
		"nodes":            h.eng.Nodes(),
		"sessionsByStatus": byStatus,
		"health":           h.healthSnapshot(),
	}))
}

func (h *Handlers) healthSnapshot() gin.H {
	if h.sup == nil {
		return gin.H{}
	}
	return gin.H{
		"overall": h.sup.Overall(),
		"checks":  h.sup.Snapshot(),
	}
}
