package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"callisto_daemon/internal/models"
	"callisto_daemon/internal/service"

	"github.com/gin-gonic/gin"
)

// Accepted layouts for the from/to bounds, most specific first.
var eventTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

var knownEventTypes = map[string]bool{
	models.EventStateChanged:       true,
	models.EventTransitionRejected: true,
	models.EventScheduleApplied:    true,
	models.EventScheduleReloaded:   true,
	models.EventDeviceUnresponsive: true,
	models.EventConfigChanged:      true,
	models.EventError:              true,
}

// @Summary      Session event log
// @Description  Mode transitions, schedule activity and device faults recorded by the daemon, oldest first. A date-only 'to' covers the whole UTC day.
// @Tags         logs
// @Produce      json
// @Param        from  query   string  false  "Lower bound (RFC3339, 'YYYY-MM-DD HH:MM:SS' or 'YYYY-MM-DD'), UTC"  example(2026-06-01)
// @Param        to    query   string  false  "Upper bound, same layouts; a bare date means end of that day"  example(2026-06-30)
// @Param        type  query   string  false  "Event type, case-insensitive"  Enums(STATE_CHANGED,TRANSITION_REJECTED,SCHEDULE_APPLIED,SCHEDULE_RELOADED,DEVICE_UNRESPONSIVE,CONFIG_CHANGED,ERROR)
// @Success      200   {object}  map[string]interface{}  "count, events"
// @Failure      400   {object}  map[string]string
// @Failure      401   {object}  map[string]string
// @Failure      500   {object}  map[string]string
// @Router       /api/v1/logs [get]
// @Security     BearerAuth
func (h *Handler) getLogs(c *gin.Context) {
	var f service.LogFilter
	var err error

	if raw := c.Query("from"); raw != "" {
		if f.From, err = parseEventBound(raw, false); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from: " + err.Error()})
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if f.To, err = parseEventBound(raw, true); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to: " + err.Error()})
			return
		}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'from' must be <= 'to'"})
		return
	}
	if f.Type = strings.ToUpper(strings.TrimSpace(c.Query("type"))); f.Type != "" && !knownEventTypes[f.Type] {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown event type %q", f.Type)})
		return
	}

	events, err := h.services.EventLog.List(c.Request.Context(), f)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("event_log_list_failed", "err", err, "from", f.From, "to", f.To, "type", f.Type)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(events), "events": events})
}

// parseEventBound reads a query bound in UTC. A bare date used as an upper
// bound is moved to the last nanosecond of that day.
func parseEventBound(raw string, upper bool) (time.Time, error) {
	for _, layout := range eventTimeLayouts {
		t, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		t = t.UTC()
		if upper && !strings.ContainsAny(raw, "T ") {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q; use RFC3339, 'YYYY-MM-DD HH:MM:SS' or 'YYYY-MM-DD'", raw)
}
