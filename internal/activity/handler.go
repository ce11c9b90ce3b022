package activity

import (
	"net/http"
	"strconv"
	"time"

	"taskpulse/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler serves the paginated activity query API.
type Handler struct {
	repo *Repository
}

// NewHandler builds the API handler.
func NewHandler(repo *Repository) *Handler {
	return &Handler{repo: repo}
}

// List returns the authenticated user's activity entries, newest first.
// Query params: event_type, from, to (RFC3339), page, limit.
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := c.Get("user")
	uid, _ := userID.(string)
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	f := Filter{
		UserID:    uid,
		EventType: c.Query("event_type"),
		Page:      1,
		Limit:     defaultPageSize,
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil && page > 0 {
		f.Page = page
	}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize))); err == nil && limit > 0 {
		if limit > maxPageSize {
			limit = maxPageSize
		}
		f.Limit = limit
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' timestamp"})
			return
		}
		f.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' timestamp"})
			return
		}
		f.To = &t
	}

	entries, total, err := h.repo.Query(ctx, f)
	if err != nil {
		logger.Error(ctx, "Activity list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to query activity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":     entries,
		"page":        f.Page,
		"limit":       f.Limit,
		"total_items": total,
	})
}
