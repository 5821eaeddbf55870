package service

import (
	"context"

	"optical_bench/internal/models"
)

// SessionSource is the read side of the acquisition loop.
type SessionSource interface {
	Snapshot() models.SessionSnapshot
	History() []models.Sample
}

type MonitoringService struct {
	session SessionSource
}

func NewMonitoringService(session SessionSource) *MonitoringService {
	return &MonitoringService{session: session}
}

// GetState returns a point-in-time copy of the session.
func (s *MonitoringService) GetState(ctx context.Context) (models.SessionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionSnapshot{}, err
	}
	return s.session.Snapshot(), nil
}

// History returns the rolling sample history, oldest first.
func (s *MonitoringService) History(ctx context.Context) ([]models.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.session.History(), nil
}
