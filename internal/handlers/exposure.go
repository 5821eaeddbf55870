package handlers

import (
	"net/http"

	"optical_bench/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	errStartExposure = "failed to start exposure"
	errStopExposure  = "failed to stop exposure"
	errResetExposure = "failed to reset exposure"
)

// ExposureRequest is the timed exposure command.
type ExposureRequest struct {
	// Exposure duration in seconds, (0, 300]
	DurationS float64 `json:"duration_s" binding:"required" example:"60"`
	// Laser power in mW, [0, 200]
	PowerMW float64 `json:"power_mw" example:"100"`
}

// StopRequest optionally names why an exposure or the bench is stopped.
type StopRequest struct {
	Reason string `json:"reason,omitempty" example:"operator stop"`
}

// optionalReason reads an optional {"reason": "..."} body. An empty body is fine.
func optionalReason(c *gin.Context) string {
	var req StopRequest
	if c.Request.ContentLength == 0 {
		return ""
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return ""
	}
	return req.Reason
}

// @Summary      Start exposure
// @Description  Runs a timed exposure. Only one exposure runs at a time.
// @Tags         exposure
// @Accept       json
// @Produce      json
// @Param        body  body   ExposureRequest  true  "Exposure payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Failure      503   {object}  map[string]string
// @Router       /api/v1/exposure/start [post]
func (h *Handler) startExposure(c *gin.Context) {
	var req ExposureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error(), "code": "invalid_parameter"})
		return
	}
	cmd := models.ExposureCommand{DurationS: req.DurationS, PowerMW: req.PowerMW}
	if err := h.services.Exposure.StartExposure(c.Request.Context(), cmd); err != nil {
		h.logAndJSONError(c, errStartExposure, "exposure_start_failed", err,
			"duration_s", req.DurationS, "power_mw", req.PowerMW)
		return
	}
	h.respondWithStatusAndState(c, statusStarted, gin.H{})
}

// @Summary      Stop exposure
// @Description  Aborts the running exposure. Stopping when nothing runs is not an error.
// @Tags         exposure
// @Accept       json
// @Produce      json
// @Param        body  body   StopRequest  false  "Optional reason"
// @Success      200   {object}  map[string]interface{}
// @Router       /api/v1/exposure/stop [post]
func (h *Handler) stopExposure(c *gin.Context) {
	stopped, err := h.services.Exposure.StopExposure(c.Request.Context(), optionalReason(c))
	if err != nil {
		h.logAndJSONError(c, errStopExposure, "exposure_stop_failed", err)
		return
	}
	status := statusStopped
	if !stopped {
		status = statusNotRunning
	}
	h.respondWithStatusAndState(c, status, gin.H{})
}

// @Summary      Reset exposure
// @Description  Returns a COMPLETED or ABORTED exposure to IDLE.
// @Tags         exposure
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      409  {object}  map[string]string
// @Router       /api/v1/exposure/reset [post]
func (h *Handler) resetExposure(c *gin.Context) {
	if err := h.services.Exposure.ResetExposure(c.Request.Context()); err != nil {
		h.logAndJSONError(c, errResetExposure, "exposure_reset_failed", err)
		return
	}
	h.respondWithStatusAndState(c, statusReset, gin.H{})
}

// @Summary      Emergency stop
// @Description  Aborts any exposure, ceases the instrument and halts acquisition. Never fails.
// @Tags         exposure
// @Accept       json
// @Produce      json
// @Param        body  body   StopRequest  false  "Optional reason"
// @Success      200   {object}  map[string]interface{}
// @Router       /api/v1/emergency-stop [post]
func (h *Handler) emergencyStop(c *gin.Context) {
	reason := optionalReason(c)
	h.services.Exposure.EmergencyStop(c.Request.Context(), reason)
	if h.log != nil {
		h.log.Warnw("emergency_stop_requested", "reason", reason, "request_id", c.GetString(ctxRequestID))
	}
	h.respondWithStatusAndState(c, statusAborted, gin.H{})
}
