// Package quota enforces per-source daily call budgets.
//
// Usage rows live in the UsageStore rather than process memory so that the
// budget survives restarts and is shared by every instance. The counter is
// reset lazily: the first read after local midnight zeroes it.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crisiswatch/internal/metrics"
	"github.com/JakeFAU/crisiswatch/internal/news"
)

// Tracker implements news.QuotaGate on top of a UsageStore.
type Tracker struct {
	store  news.UsageStore
	clock  news.Clock
	logger *zap.Logger
}

// New constructs a Tracker. The clock's location defines "local midnight".
func New(store news.UsageStore, clock news.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, clock: clock, logger: logger}
}

// Register ensures a usage row exists for the source and applies its limit.
func (t *Tracker) Register(ctx context.Context, source string, dailyLimit int) error {
	if err := t.store.EnsureSource(ctx, source, dailyLimit); err != nil {
		return fmt.Errorf("register source %s: %w", source, err)
	}
	return nil
}

// CanUse reports whether the source has budget left today. Unknown sources
// have no budget.
func (t *Tracker) CanUse(ctx context.Context, source string) (bool, error) {
	usage, err := t.Usage(ctx, source)
	if err != nil {
		if errors.Is(err, news.ErrNotFound) {
			t.logger.Warn("quota check for unregistered source", zap.String("source", source))
			return false, nil
		}
		return false, err
	}
	if usage.UsedToday >= usage.DailyLimit {
		metrics.ObserveQuotaRejection(source)
		t.logger.Info("daily quota exhausted",
			zap.String("source", source),
			zap.Int("used_today", usage.UsedToday),
			zap.Int("daily_limit", usage.DailyLimit),
		)
		return false, nil
	}
	return true, nil
}

// Usage returns the current usage row, resetting it first if the last reset
// happened before today's local midnight.
func (t *Tracker) Usage(ctx context.Context, source string) (news.APIUsage, error) {
	usage, err := t.store.GetUsage(ctx, source)
	if err != nil {
		return news.APIUsage{}, fmt.Errorf("get usage %s: %w", source, err)
	}
	now := t.clock.Now()
	midnight := StartOfDay(now)
	if usage.LastReset.Before(midnight) {
		if err := t.store.ResetUsage(ctx, source, now, midnight); err != nil {
			return news.APIUsage{}, fmt.Errorf("reset usage %s: %w", source, err)
		}
		t.logger.Debug("daily quota reset", zap.String("source", source), zap.Time("last_reset", usage.LastReset))
		usage.UsedToday = 0
		usage.LastReset = now
	}
	return usage, nil
}

// Increment records one successful call against the source.
func (t *Tracker) Increment(ctx context.Context, source string) error {
	if err := t.store.IncrementUsage(ctx, source); err != nil {
		return fmt.Errorf("increment usage %s: %w", source, err)
	}
	return nil
}

// StartOfDay returns midnight of ts's day in ts's location.
func StartOfDay(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}
