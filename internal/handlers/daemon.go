package handlers

import (
	"errors"
	"net/http"

	"callisto_daemon/internal/models"
	"callisto_daemon/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	statusOK        = "ok"
	statusModeSet   = "mode_set"
	statusFocusSet  = "focus_set"
	statusFormatSet = "format_set"
	statusReloaded  = "reloaded"

	errGetStatus       = "failed to load status"
	errInvalidBodyPref = "invalid body: "
)

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}

// httpStatusFor maps state machine errors onto HTTP codes.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrReservedMode),
		errors.Is(err, service.ErrInvalidFocus),
		errors.Is(err, service.ErrInvalidFormat):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTerminatingDisabled):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNoChange),
		errors.Is(err, service.ErrTerminated):
		return http.StatusConflict
	case errors.Is(err, service.ErrCalibrationUnavailable),
		errors.Is(err, service.ErrCalibrationFailed),
		errors.Is(err, service.ErrStopped):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Respond with a status and include current daemon status if available (best-effort).
func (h *Handler) respondWithStatus(c *gin.Context, status string, extra gin.H) {
	resp := gin.H{"status": status}
	for k, v := range extra {
		resp[k] = v
	}
	if st, err := h.services.Monitoring.GetStatus(c.Request.Context()); err == nil {
		resp["state"] = st
	}
	c.JSON(http.StatusOK, resp)
}

// SetModeRequest is the payload of POST /api/v1/daemon/mode.
type SetModeRequest struct {
	// Mode code 0-9: 0 idle, 2 calibration, 3 continuous, 4 spectral overview, 7 terminate, 8 auto overview
	Mode *int `json:"mode" binding:"required" example:"3"`
	// Focus code 0-63; the current focus code is kept when omitted
	FocusCode *int `json:"focus_code,omitempty" example:"59"`
}

// SetFocusRequest is the payload of POST /api/v1/daemon/focus.
type SetFocusRequest struct {
	FocusCode *int `json:"focus_code" binding:"required" example:"59"`
}

// SetFormatRequest is the payload of POST /api/v1/daemon/format.
type SetFormatRequest struct {
	Format string `json:"format" binding:"required" example:"parquet"`
}

// @Summary      Health check
// @Tags         system
// @Produce      json
// @Success      200  {object}  map[string]string
// @Router       /health [get]
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": statusOK,
	})
}

// @Summary      Get daemon status
// @Tags         daemon
// @Produce      json
// @Success      200  {object}  models.Status
// @Failure      401  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/daemon/status [get]
// @Security     BearerAuth
func (h *Handler) getStatus(c *gin.Context) {
	st, err := h.services.Monitoring.GetStatus(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errGetStatus, "daemon_get_status_failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Request a mode transition
// @Description  Goes through the state machine like any other trigger. Terminating (7) is rejected unless enabled.
// @Tags         daemon
// @Accept       json
// @Produce      json
// @Param        body  body   SetModeRequest  true  "Mode payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      403   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/daemon/mode [post]
// @Security     BearerAuth
func (h *Handler) setMode(c *gin.Context) {
	var req SetModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	mode, err := models.ModeFromCode(*req.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	focus := h.services.Modes.Current().FocusCode
	if req.FocusCode != nil {
		focus = *req.FocusCode
	}
	change, err := h.services.Modes.RequestTransition(c.Request.Context(), service.TransitionRequest{
		Mode: mode, FocusCode: focus, Source: models.SourceAPI,
	})
	if err != nil {
		if h.log != nil {
			h.log.Infow("daemon_set_mode_failed", "err", err, "mode", *req.Mode, "focus", focus)
		}
		c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	h.respondWithStatus(c, statusModeSet, gin.H{"change": change})
}

// @Summary      Set focus code
// @Tags         daemon
// @Accept       json
// @Produce      json
// @Param        body  body   SetFocusRequest  true  "Focus payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Router       /api/v1/daemon/focus [post]
// @Security     BearerAuth
func (h *Handler) setFocus(c *gin.Context) {
	var req SetFocusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	change, err := h.services.Modes.SetFocus(c.Request.Context(), *req.FocusCode, models.SourceAPI)
	if err != nil {
		c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	h.respondWithStatus(c, statusFocusSet, gin.H{"change": change})
}

// @Summary      Select output format
// @Tags         daemon
// @Accept       json
// @Produce      json
// @Param        body  body   SetFormatRequest  true  "Format payload (parquet, csv or sqlite)"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Router       /api/v1/daemon/format [post]
// @Security     BearerAuth
func (h *Handler) setFormat(c *gin.Context) {
	var req SetFormatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error()})
		return
	}
	if err := h.services.Modes.SetOutputFormat(c.Request.Context(), req.Format, models.SourceAPI); err != nil {
		c.JSON(httpStatusFor(err), gin.H{"error": err.Error()})
		return
	}
	h.respondWithStatus(c, statusFormatSet, gin.H{"format": h.services.Modes.Current().OutputFormat})
}

// @Summary      Reload the schedule file
// @Tags         daemon
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/daemon/reload [post]
// @Security     BearerAuth
func (h *Handler) reloadSchedule(c *gin.Context) {
	n, err := h.services.Modes.ReloadSchedule(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, err.Error(), "daemon_reload_failed", err)
		return
	}
	h.respondWithStatus(c, statusReloaded, gin.H{"entries": n})
}
