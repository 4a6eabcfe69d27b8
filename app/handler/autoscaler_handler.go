package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tidwall/pretty"

	"fleetautoscaler/pkg/autoscaler"
	"fleetautoscaler/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// AutoScalerHandler exposes the control/status HTTP surface over the
// autoscaler Manager.
type AutoScalerHandler struct {
	manager *autoscaler.Manager

	streamMu sync.Mutex
	streams  map[*websocket.Conn]struct{}
}

// NewAutoScalerHandler creates the handler and wires manager.BroadcastFunc
// so every evaluation's status fans out to connected websocket clients.
func NewAutoScalerHandler(manager *autoscaler.Manager) *AutoScalerHandler {
	h := &AutoScalerHandler{
		manager: manager,
		streams: make(map[*websocket.Conn]struct{}),
	}
	manager.BroadcastFunc = h.broadcast
	return h
}

// GetStatus returns the Manager's full current status. A ?debug=1 query
// pretty-prints the JSON body for a human reading it in a terminal.
func (h *AutoScalerHandler) GetStatus(c *gin.Context) {
	status, err := h.manager.GetStatus()
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get autoscaler status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if c.Query("debug") == "1" {
		body, err := json.Marshal(status)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", pretty.Pretty(body))
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetTiers returns just the per-tier status slice, for a dashboard that
// doesn't need the manager-level fields.
func (h *AutoScalerHandler) GetTiers(c *gin.Context) {
	status, err := h.manager.GetStatus()
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get autoscaler status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status.Tiers)
}

// GetTierHistory returns the most recent scale actions for a single tier.
func (h *AutoScalerHandler) GetTierHistory(c *gin.Context) {
	tier := c.Param("tier")
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}

	actions, err := h.manager.GetTierHistory(c.Request.Context(), tier, limit)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to get tier history for %s: %v", tier, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, actions)
}

// Enable turns autoscaling on.
func (h *AutoScalerHandler) Enable(c *gin.Context) {
	if err := h.manager.Enable(c.Request.Context()); err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to enable autoscaler: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// Disable turns autoscaling off.
func (h *AutoScalerHandler) Disable(c *gin.Context) {
	if err := h.manager.Disable(c.Request.Context()); err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to disable autoscaler: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

// TriggerTier runs one evaluation for a single tier out of band.
func (h *AutoScalerHandler) TriggerTier(c *gin.Context) {
	tier := c.Param("tier")
	if err := h.manager.TriggerScale(c.Request.Context(), tier); err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to trigger scale for tier %s: %v", tier, err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered"})
}

// Stream upgrades to a websocket and pushes the Status after every
// evaluation until the client disconnects.
func (h *AutoScalerHandler) Stream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.WarnCtx(c.Request.Context(), "autoscaler stream upgrade failed: %v", err)
		return
	}

	h.streamMu.Lock()
	h.streams[conn] = struct{}{}
	h.streamMu.Unlock()

	// Send the current status immediately so a freshly connected dashboard
	// doesn't wait for the next evaluation.
	if status, err := h.manager.GetStatus(); err == nil {
		_ = conn.WriteJSON(status)
	}

	// Drain client reads; we only push, but the read loop detects when the
	// client hangs up.
	go func() {
		defer func() {
			h.streamMu.Lock()
			delete(h.streams, conn)
			h.streamMu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *AutoScalerHandler) broadcast(status autoscaler.Status) {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()
	for conn := range h.streams {
		if err := conn.WriteJSON(status); err != nil {
			conn.Close()
			delete(h.streams, conn)
		}
	}
}
