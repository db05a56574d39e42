package crisis

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/news"
)

// CanTransition reports whether a crisis may move from one status to
// another. Transitions only move forward and resolved is terminal.
func CanTransition(from, to news.CrisisStatus) bool {
	switch from {
	case news.CrisisMonitoring:
		return to == news.CrisisActive || to == news.CrisisResolved
	case news.CrisisActive:
		return to == news.CrisisResolved
	default:
		return false
	}
}

// UpdateStatus advances a crisis to the given status.
func (s *Service) UpdateStatus(ctx context.Context, id int64, to news.CrisisStatus) (news.CrisisEvent, error) {
	current, err := s.crises.GetCrisis(ctx, id)
	if err != nil {
		return news.CrisisEvent{}, fmt.Errorf("get crisis %d: %w", id, err)
	}
	if !CanTransition(current.Status, to) {
		return news.CrisisEvent{}, fmt.Errorf("crisis %d %s -> %s: %w", id, current.Status, to, news.ErrInvalidTransition)
	}
	updated, err := s.crises.UpdateCrisisStatus(ctx, id, current.Status, to, s.clock.Now())
	if err != nil {
		if errors.Is(err, news.ErrNotFound) {
			return news.CrisisEvent{}, fmt.Errorf("crisis %d changed concurrently: %w", id, news.ErrInvalidTransition)
		}
		return news.CrisisEvent{}, fmt.Errorf("update crisis %d: %w", id, err)
	}
	s.logger.Info("crisis status changed",
		zap.Int64("crisis_id", id),
		zap.String("from", string(current.Status)),
		zap.String("to", string(to)),
	)
	return updated, nil
}
