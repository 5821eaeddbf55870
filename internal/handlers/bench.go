package handlers

import (
	"net/http"

	"optical_bench/internal/bencherr"
	"optical_bench/internal/models"
	"optical_bench/internal/service"

	"github.com/gin-gonic/gin"
)

// Common response/status constants to avoid magic strings and typos.
const (
	statusOK           = "ok"
	statusConnected    = "connected"
	statusDisconnected = "disconnected"
	statusLaserSet     = "laser_set"
	statusStarted      = "started"
	statusStopped      = "stopped"
	statusNotRunning   = "not_running"
	statusReset        = "reset"
	statusAborted      = "aborted"

	errConnect         = "failed to connect instrument"
	errDisconnect      = "failed to disconnect instrument"
	errSetLaser        = "failed to set laser"
	errStartExperiment = "failed to start experiment"
	errStopExperiment  = "failed to stop experiment"
	errParameters      = "failed to load experiment parameters"
	errGetState        = "failed to load state"
	errGetHistory      = "failed to load history"
	errInvalidBodyPref = "invalid body: "
)

// Centralized error logging and response. The status code comes from the
// error taxonomy; client errors are logged at warn level.
func (h *Handler) logAndJSONError(c *gin.Context, userMsg, logKey string, err error, kv ...interface{}) {
	code := bencherr.HTTPStatus(err)
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err, "request_id", c.GetString(ctxRequestID)}, kv...)
		if code >= http.StatusInternalServerError {
			h.log.Errorw(logKey, fields...)
		} else {
			h.log.Warnw(logKey, fields...)
		}
	}
	resp := gin.H{"error": userMsg, "code": bencherr.Code(err)}
	if code < http.StatusInternalServerError && err != nil {
		resp["detail"] = err.Error()
	}
	c.JSON(code, resp)
}

// Respond with a status and include current state if available (best-effort).
func (h *Handler) respondWithStatusAndState(c *gin.Context, status string, extra gin.H) {
	ctx := c.Request.Context()
	resp := gin.H{"status": status}
	for k, v := range extra {
		resp[k] = v
	}
	st, err := h.services.Monitoring.GetState(ctx)
	if err == nil {
		resp["state"] = st
	}
	c.JSON(http.StatusOK, resp)
}

// LaserRequest is the payload of the manual laser command.
type LaserRequest struct {
	// Switch the laser on or off
	On *bool `json:"on" binding:"required" example:"true"`
	// Output power in mW when switching on (default 100)
	PowerMW float64 `json:"power_mw,omitempty" example:"100"`
}

// ExperimentRequest selects the experiment protocol for an acquisition run.
type ExperimentRequest struct {
	// Allowed: calibration, absorption, photopolymerization
	Kind string `json:"kind" binding:"required" example:"calibration"`
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

// @Summary      Connect instrument
// @Tags         bench
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status, state"
// @Failure      500  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/v1/bench/connect [post]
func (h *Handler) connect(c *gin.Context) {
	if err := h.services.Bench.Connect(c.Request.Context()); err != nil {
		h.logAndJSONError(c, errConnect, "bench_connect_failed", err)
		return
	}
	h.respondWithStatusAndState(c, statusConnected, gin.H{})
}

// @Summary      Disconnect instrument
// @Description  Aborts a running exposure and stops acquisition first.
// @Tags         bench
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/bench/disconnect [post]
func (h *Handler) disconnect(c *gin.Context) {
	if err := h.services.Bench.Disconnect(c.Request.Context()); err != nil {
		h.logAndJSONError(c, errDisconnect, "bench_disconnect_failed", err)
		return
	}
	h.respondWithStatusAndState(c, statusDisconnected, gin.H{})
}

// @Summary      Switch laser
// @Description  Refused with 409 while an exposure is running.
// @Tags         bench
// @Accept       json
// @Produce      json
// @Param        body  body   LaserRequest  true  "Laser payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Router       /api/v1/bench/laser [post]
func (h *Handler) setLaser(c *gin.Context) {
	var req LaserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error(), "code": "invalid_parameter"})
		return
	}
	params := service.LaserParams{On: *req.On, PowerMW: req.PowerMW}
	if err := h.services.Bench.SetLaser(c.Request.Context(), params); err != nil {
		h.logAndJSONError(c, errSetLaser, "bench_set_laser_failed", err, "on", params.On, "power_mw", params.PowerMW)
		return
	}
	h.respondWithStatusAndState(c, statusLaserSet, gin.H{"on": params.On})
}

// @Summary      Start experiment
// @Description  Starts acquisition fan-out for the given experiment kind.
// @Tags         bench
// @Accept       json
// @Produce      json
// @Param        body  body   ExperimentRequest  true  "Experiment payload"
// @Success      200   {object}  map[string]interface{}
// @Failure      400   {object}  map[string]string
// @Failure      409   {object}  map[string]string
// @Router       /api/v1/bench/experiment/start [post]
func (h *Handler) startExperiment(c *gin.Context) {
	var req ExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBodyPref + err.Error(), "code": "invalid_parameter"})
		return
	}
	kind := models.ExperimentKind(req.Kind)
	if err := h.services.Bench.StartExperiment(c.Request.Context(), kind); err != nil {
		h.logAndJSONError(c, errStartExperiment, "bench_start_experiment_failed", err, "kind", req.Kind)
		return
	}
	h.respondWithStatusAndState(c, statusStarted, gin.H{"kind": kind})
}

// @Summary      Stop experiment
// @Tags         bench
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/v1/bench/experiment/stop [post]
func (h *Handler) stopExperiment(c *gin.Context) {
	if err := h.services.Bench.StopExperiment(c.Request.Context()); err != nil {
		h.logAndJSONError(c, errStopExperiment, "bench_stop_experiment_failed", err)
		return
	}
	h.respondWithStatusAndState(c, statusStopped, gin.H{})
}

// @Summary      Experiment parameters
// @Tags         bench
// @Produce      json
// @Param        kind  query   string  false  "Experiment kind"  Enums(calibration,absorption,photopolymerization)
// @Success      200   {object}  map[string]interface{}  "kind, parameters"
// @Failure      400   {object}  map[string]string
// @Router       /api/v1/bench/experiment/parameters [get]
func (h *Handler) experimentParameters(c *gin.Context) {
	kind := models.ExperimentKind(c.Query("kind"))
	params, err := h.services.Bench.ExperimentParameters(kind)
	if err != nil {
		h.logAndJSONError(c, errParameters, "bench_parameters_failed", err, "kind", kind)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "parameters": params})
}

// @Summary      Get session state
// @Tags         bench
// @Produce      json
// @Success      200  {object}  models.SessionSnapshot
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/bench/state [get]
func (h *Handler) getState(c *gin.Context) {
	st, err := h.services.Monitoring.GetState(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, errGetState, "bench_get_state_failed", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// @Summary      Recent samples
// @Description  The last 100 samples, oldest first.
// @Tags         bench
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "count, samples"
// @Failure      500  {object}  map[string]string
// @Router       /api/v1/bench/history [get]
func (h *Handler) getHistory(c *gin.Context) {
	samples, err := h.services.Monitoring.History(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, errGetHistory, "bench_get_history_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(samples),
		"samples": samples,
	})
}
