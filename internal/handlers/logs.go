package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"optical_bench/internal/service"

	"github.com/gin-gonic/gin"
)

const (
	errFromInvalid  = "invalid 'from' time; use RFC3339 or YYYY-MM-DD"
	errToInvalid    = "invalid 'to' time; use RFC3339 or YYYY-MM-DD"
	errSinceInvalid = "invalid 'since'; use a non-negative sequence number"
	errLimitInvalid = "invalid 'limit'; use a non-negative integer"
	errListLogs     = "failed to load logs"

	layoutDateTime = "2006-01-02 15:04:05"
	layoutDate     = "2006-01-02"
)

// isDateOnly reports whether the query string represents a date without time component.
func isDateOnly(s string) bool {
	return !strings.ContainsAny(s, "T ")
}

// @Summary      List logs
// @Description  Filter logs by kind, sequence and date (RFC3339, 'YYYY-MM-DD HH:MM:SS', or 'YYYY-MM-DD'). If 'to' is date-only, it is treated as end-of-day inclusive (23:59:59.999999999Z).
// @Tags         logs
// @Produce      json
// @Param        kind   query   string  false  "Entry kind"  Enums(STATE_TRANSITION,PROGRESS,SAMPLE,COMMAND,CONNECTION,ACQUISITION,ERROR)
// @Param        since  query   int     false  "Only entries with a greater sequence number"
// @Param        from   query   string  false  "Start of range (RFC3339, 'YYYY-MM-DD HH:MM:SS', or 'YYYY-MM-DD')"  example(2025-08-01)
// @Param        to     query   string  false  "End of range. Date-only treated as end of day."  example(2025-08-31)
// @Param        limit  query   int     false  "Maximum number of entries"
// @Success      200    {object}  map[string]interface{}  "count, entries"
// @Failure      400    {object}  map[string]string
// @Failure      500    {object}  map[string]string
// @Router       /api/v1/logs [get]
func (h *Handler) getLogs(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		from  time.Time
		to    time.Time
		since uint64
		limit int
		err   error
	)
	// Parse 'from' (optional)
	if qs := c.Query("from"); qs != "" {
		from, err = parseQueryTime(qs)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errFromInvalid, "code": "invalid_parameter"})
			return
		}
	}
	// Parse 'to' (optional). If only a date is provided, make it end-of-day inclusive.
	if qs := c.Query("to"); qs != "" {
		to, err = parseQueryTime(qs)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errToInvalid, "code": "invalid_parameter"})
			return
		}
		if isDateOnly(qs) {
			to = to.Add(24*time.Hour - time.Nanosecond).UTC()
		}
	}
	if qs := c.Query("since"); qs != "" {
		since, err = strconv.ParseUint(qs, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": errSinceInvalid, "code": "invalid_parameter"})
			return
		}
	}
	if qs := c.Query("limit"); qs != "" {
		limit, err = strconv.Atoi(qs)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": errLimitInvalid, "code": "invalid_parameter"})
			return
		}
	}

	kind := c.Query("kind")
	entries, err := h.services.EventLog.List(ctx, service.LogFilter{
		Kind:     kind,
		SinceSeq: since,
		From:     from,
		To:       to,
		Limit:    limit,
	})
	if err != nil {
		h.logAndJSONError(c, errListLogs, "logs_list_failed", err, "from", from, "to", to, "kind", kind)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}

func parseQueryTime(s string) (time.Time, error) {
	// Try multiple accepted formats, normalizing to UTC.
	for _, layout := range []string{time.RFC3339Nano, layoutDateTime, layoutDate} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf(
		"invalid time format %q, expected one of: "+
			"RFC3339 (e.g. 2025-08-27T15:04:05Z), "+
			"'YYYY-MM-DD HH:MM:SS', "+
			"'YYYY-MM-DD'",
		s,
	)
}
