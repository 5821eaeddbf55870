package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"optical_bench/internal/bencherr"
	"optical_bench/internal/eventlog"
	"optical_bench/internal/models"
)

type EventLogService struct {
	sink *eventlog.Sink
}

func NewEventLogService(sink *eventlog.Sink) *EventLogService {
	return &EventLogService{sink: sink}
}

var knownKinds = map[models.LogKind]bool{
	models.LogStateTransition: true,
	models.LogProgress:        true,
	models.LogSample:          true,
	models.LogCommand:         true,
	models.LogConnection:      true,
	models.LogAcquisition:     true,
	models.LogError:           true,
}

// normalizeToUTC returns t in UTC, preserving zero time values.
func normalizeToUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

// normalizeKind trims spaces and uppercases the kind filter.
func normalizeKind(s string) models.LogKind {
	return models.LogKind(strings.TrimSpace(strings.ToUpper(s)))
}

// normalizeAndValidateFilter prepares query parameters and validates them.
func normalizeAndValidateFilter(f LogFilter) (eventlog.Filter, error) {
	out := eventlog.Filter{
		Kind:     normalizeKind(f.Kind),
		SinceSeq: f.SinceSeq,
		From:     normalizeToUTC(f.From),
		To:       normalizeToUTC(f.To),
		Limit:    f.Limit,
	}
	if !out.From.IsZero() && !out.To.IsZero() && out.From.After(out.To) {
		return eventlog.Filter{}, fmt.Errorf("%w: invalid time range, from must be <= to", bencherr.ErrInvalidParameter)
	}
	if out.Kind != "" && !knownKinds[out.Kind] {
		return eventlog.Filter{}, fmt.Errorf("%w: unknown log kind %q", bencherr.ErrInvalidParameter, f.Kind)
	}
	if out.Limit < 0 {
		return eventlog.Filter{}, fmt.Errorf("%w: limit must be >= 0", bencherr.ErrInvalidParameter)
	}
	return out, nil
}

func (s *EventLogService) List(ctx context.Context, f LogFilter) ([]models.LogEntry, error) {
	filter, err := normalizeAndValidateFilter(f)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.sink.List(filter), nil
}

// Replay returns a cursor positioned before the first entry.
func (s *EventLogService) Replay() *eventlog.Cursor { return s.sink.Replay() }

// Tail returns a cursor that only sees entries recorded from now on.
func (s *EventLogService) Tail() *eventlog.Cursor { return s.sink.Tail() }
