package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"optical_bench/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Send/receive timing configuration and message size limits.
const (
	defaultWriteWait  = 10 * time.Second
	defaultPingPeriod = 54 * time.Second
	maxMsgSize        = 1 << 12 // 4 KB
	defaultInterval   = 250 * time.Millisecond
	maxInterval       = 10 * time.Second
	maxIntervalMilli  = 10_000 // 10s in ms
	streamBuffer      = 256
	maxBatch          = 500

	fromBeginning = "beginning"
	fromNow       = "now"
)

// Envelope used for WebSocket messages.
type wsEnvelope struct {
	Type  string      `json:"type"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Upgrader for HTTP -> WebSocket. The bench UI is served from other origins.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// @Summary      Telemetry stream
// @Description  WebSocket. Sends the session state once, then batches of samples every interval (?interval=250ms or ?interval_ms=250) in acquisition order.
// @Tags         streams
// @Router       /ws/telemetry [get]
func (h *Handler) wsTelemetry(c *gin.Context) {
	interval := h.parseInterval(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_upgrade_failed", "err", err)
		}
		return
	}
	defer func() { _ = conn.Close() }()
	h.configureConn(conn)

	// Reader goroutine to handle control frames and detect disconnects.
	done := make(chan struct{})
	go h.startReader(conn, done)

	quit := make(chan struct{})
	defer close(quit)

	samples := make(chan models.Sample, streamBuffer)
	sub := h.services.Streams.SubscribeTelemetry(func(s models.Sample) error {
		select {
		case samples <- s:
		case <-quit:
		}
		return nil
	})
	if sub == 0 {
		h.writeError(conn, "telemetry stream closed")
		return
	}
	defer h.services.Streams.UnsubscribeTelemetry(sub)

	ticker := time.NewTicker(interval)
	ping := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		ping.Stop()
	}()

	// Send initial state immediately.
	if err := h.sendState(c.Request.Context(), conn); err != nil {
		if h.log != nil {
			h.log.Infow("ws_write_failed_initial", "err", err)
		}
		return
	}

	batch := make([]models.Sample, 0, 64)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
		err := conn.WriteJSON(wsEnvelope{Type: "samples", Data: batch})
		batch = batch[:0]
		return err
	}

	// Writer/select loop.
	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case s := <-samples:
			batch = append(batch, s)
			if len(batch) < maxBatch {
				continue
			}
			if err := flush(); err != nil {
				h.logWriteFailed(err)
				return
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				h.logWriteFailed(err)
				return
			}
		case <-ping.C:
			if err := h.sendPing(conn); err != nil {
				return
			}
		}
	}
}

// @Summary      Log stream
// @Description  WebSocket. Streams log entries in order, replaying history first when ?from=beginning.
// @Tags         streams
// @Param        from  query   string  false  "Start position"  Enums(beginning,now)
// @Router       /ws/logs [get]
func (h *Handler) wsLogs(c *gin.Context) {
	from := c.DefaultQuery("from", fromNow)
	if from != fromBeginning && from != fromNow {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'from'; use beginning or now", "code": "invalid_parameter"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_upgrade_failed", "err", err)
		}
		return
	}
	defer func() { _ = conn.Close() }()
	h.configureConn(conn)

	done := make(chan struct{})
	go h.startReader(conn, done)

	cur := h.services.EventLog.Tail()
	if from == fromBeginning {
		cur = h.services.EventLog.Replay()
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	entries := make(chan models.LogEntry, streamBuffer)
	go func() {
		for {
			e, err := cur.Next(ctx)
			if err != nil {
				return
			}
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(h.pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case e := <-entries:
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteJSON(wsEnvelope{Type: "log", Data: e}); err != nil {
				h.logWriteFailed(err)
				return
			}
		case <-ping.C:
			if err := h.sendPing(conn); err != nil {
				return
			}
		}
	}
}

// Helper: parseInterval reads ?interval=2s or ?interval_ms=2000 with bounds.
func (h *Handler) parseInterval(c *gin.Context) time.Duration {
	interval := defaultInterval

	if s := c.Query("interval"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 && d <= maxInterval {
			return d
		}
	}

	if ms := c.Query("interval_ms"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 && v <= maxIntervalMilli {
			return time.Duration(v) * time.Millisecond
		}
	}

	return interval
}

// configureConn sets read limits and a pong handler that extends the read deadline.
func (h *Handler) configureConn(conn *websocket.Conn) {
	pongWait := h.pingPeriod * 10 / 9
	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// Helper: startReader drains incoming messages to handle control frames and detect closure.
func (h *Handler) startReader(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if h.log != nil {
				h.log.Infow("ws_read_closed", "err", err)
			}
			return
		}
	}
}

// Helper: sendState fetches and writes the current state with a write deadline.
func (h *Handler) sendState(ctx context.Context, conn *websocket.Conn) error {
	st, err := h.services.Monitoring.GetState(ctx)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("ws_get_state_failed", "err", err)
		}
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	return conn.WriteJSON(wsEnvelope{Type: "state", Data: st})
}

func (h *Handler) sendPing(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	err := conn.WriteMessage(websocket.PingMessage, nil)
	if err != nil && h.log != nil {
		h.log.Infow("ws_ping_failed", "err", err)
	}
	return err
}

func (h *Handler) writeError(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
	_ = conn.WriteJSON(wsEnvelope{Type: "error", Error: msg})
}

func (h *Handler) logWriteFailed(err error) {
	if h.log != nil {
		h.log.Infow("ws_write_failed", "err", err)
	}
}
