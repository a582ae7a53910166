package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"pnldesk/internal/services"
	"pnldesk/internal/stream"
)

// RecomputeQueue is the worker queue fed by POST /pnl/recompute.
const RecomputeQueue = "pnl_recompute"

// RecomputeRequest is the message published to RecomputeQueue.
type RecomputeRequest struct {
	UserID      string `json:"userId"`
	RequestedAt int64  `json:"requestedAt"`
}

// QueuePublisher publishes to a durable work queue.
type QueuePublisher interface {
	Publish(queueName string, message interface{}) error
}

// PnlHandler 盈亏相关接口
type PnlHandler struct {
	svc       *services.SummaryService
	hub       *stream.Hub
	publisher QueuePublisher
}

// NewPnlHandler wires the handler. hub and publisher may be nil.
func NewPnlHandler(svc *services.SummaryService, hub *stream.Hub, publisher QueuePublisher) *PnlHandler {
	return &PnlHandler{svc: svc, hub: hub, publisher: publisher}
}

func queryBool(c *gin.Context, key string) bool {
	switch c.Query(key) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// queryMillis parses an epoch millisecond query value; empty means zero time.
func queryMillis(c *gin.Context, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, errors.New("invalid " + key)
	}
	return time.UnixMilli(ms), nil
}

// writeError maps identity errors to 4xx and everything else to 500.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrExchangeMismatch), errors.Is(err, services.ErrUnsupportedExchange):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// GetSummary returns the 1/7/30 day summary of a user
func (h *PnlHandler) GetSummary(c *gin.Context) {
	userID := c.Param("user_id")
	opts := services.SummaryOptions{
		Force: queryBool(c, "refresh"),
		Debug: queryBool(c, "debug"),
	}

	summary, err := h.svc.Summary(c.Request.Context(), userID, opts)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetWeekly returns the payout summary over the requested range
func (h *PnlHandler) GetWeekly(c *gin.Context) {
	start, err := queryMillis(c, "start")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	end, err := queryMillis(c, "end")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must not be before start"})
		return
	}

	weekly, err := h.svc.Weekly(c.Request.Context(), c.Param("user_id"), services.WeeklyQuery{
		Exchange: c.Query("exchange"),
		Start:    start,
		End:      end,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, weekly)
}

// PurgeCache deletes cache records older than ?days (default from config)
func (h *PnlHandler) PurgeCache(c *gin.Context) {
	days := 0
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid days"})
			return
		}
		days = n
	}

	res, err := h.svc.Purge(c.Request.Context(), days)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// RequestRecompute queues a recompute for the worker, or runs it inline
// when no publisher is configured.
func (h *PnlHandler) RequestRecompute(c *gin.Context) {
	userID := c.Param("user_id")

	if h.publisher == nil {
		summary, err := h.svc.Recompute(c.Request.Context(), userID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
		return
	}

	req := RecomputeRequest{UserID: userID, RequestedAt: time.Now().UnixMilli()}
	if err := h.publisher.Publish(RecomputeQueue, req); err != nil {
		log.WithField("user", userID).Errorf("publish recompute failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue recompute"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "userId": userID})
}

// AccountStream upgrades to the account_update websocket relay
func (h *PnlHandler) AccountStream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "account stream not enabled"})
		return
	}
	h.hub.ServeHTTP(c.Writer, c.Request)
}
