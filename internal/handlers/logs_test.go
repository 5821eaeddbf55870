package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"optical_bench/internal/models"
	"optical_bench/internal/service"
)

func TestLogsHandler_ListAndValidation(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	entries := []models.LogEntry{
		{Seq: 1, Timestamp: now, Kind: models.LogCommand, Message: "connect"},
		{Seq: 2, Timestamp: now.Add(time.Second), Kind: models.LogStateTransition, Message: "exposure IDLE -> RUNNING"},
	}
	logs := &mockEventLog{resp: entries}
	r := newTestRouter(&service.Service{EventLog: logs})

	for _, q := range []string{"?from=notatime", "?to=nope", "?since=-1", "?limit=x"} {
		w := doJSON(r, http.MethodGet, "/api/v1/logs"+q, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, w.Code)
		}
	}

	q := "/api/v1/logs?from=" + now.Format(time.RFC3339) + "&to=2030-01-01&kind=command&since=5&limit=10"
	w := doJSON(r, http.MethodGet, q, "")
	if w.Code != http.StatusOK {
		t.Fatalf("logs status=%d, body=%s", w.Code, w.Body.String())
	}
	var out struct {
		Count   int               `json:"count"`
		Entries []models.LogEntry `json:"entries"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	if out.Count != 2 || len(out.Entries) != 2 {
		t.Fatalf("unexpected response: %+v", out)
	}
	if logs.last.Kind != "command" || logs.last.SinceSeq != 5 || logs.last.Limit != 10 {
		t.Fatalf("filter not passed through: %+v", logs.last)
	}
	wantTo := time.Date(2030, 1, 1, 23, 59, 59, 999999999, time.UTC)
	if !logs.last.To.Equal(wantTo) {
		t.Fatalf("date-only 'to' should be end of day, got %v", logs.last.To)
	}
	if !logs.last.From.Equal(now) {
		t.Fatalf("from=%v, want %v", logs.last.From, now)
	}
}

func TestParseQueryTime(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"2025-08-27T15:04:05Z", false},
		{"2025-08-27T15:04:05.123456789+03:00", false},
		{"2025-08-27 15:04:05", false},
		{"2025-08-27", false},
		{"27/08/2025", true},
	}
	for _, tc := range cases {
		_, err := parseQueryTime(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err=%v, wantErr=%v", tc.in, err, tc.wantErr)
		}
	}
}
