package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
	Count(ctx context.Context, key string) (int64, error)
}

type BudgetConfig struct {
	DailyLimit       int64            // 0 = unlimited
	PerMinute        int64            // default per-courier limit, 0 = unlimited
	CourierPerMinute map[string]int64 // overrides by courier service
	Location         *time.Location   // day boundary for the daily counter
}

// Budget caps provider calls with fixed-window Redis counters: one per day
// and one per courier per minute.
type Budget struct {
	rl  RateLimiter
	cfg BudgetConfig
}

func NewBudget(rl RateLimiter, cfg BudgetConfig) *Budget {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Budget{rl: rl, cfg: cfg}
}

// Reserve takes one call from the budget. When the budget is exhausted it
// returns false and the earliest time worth trying again.
func (b *Budget) Reserve(ctx context.Context, courier string, now time.Time) (bool, time.Time, error) {
	if b == nil || b.rl == nil {
		return true, time.Time{}, nil
	}

	var dailyKey string
	local := now.In(b.cfg.Location)
	if b.cfg.DailyLimit > 0 {
		// дневной лимит смотрим до INCR минутного, чтобы отказ не съедал слот курьера
		dailyKey = "budget:daily:" + local.Format("20060102")
		n, err := b.rl.Count(ctx, dailyKey)
		if err != nil {
			return false, now.Add(time.Minute), err
		}
		if n >= b.cfg.DailyLimit {
			return b.dailyExhausted(local, n)
		}
	}

	limit := b.cfg.PerMinute
	if l, ok := b.cfg.CourierPerMinute[courier]; ok {
		limit = l
	}
	if limit > 0 {
		minute := now.UTC().Truncate(time.Minute)
		key := fmt.Sprintf("budget:courier:%s:%s", courier, minute.Format("200601021504"))
		ok, n, err := b.rl.Allow(ctx, key, limit, 70*time.Second)
		if err != nil {
			return false, now.Add(time.Minute), err
		}
		if !ok {
			slog.Warn("courier rate limit reached", "courier", courier, "count", n, "limit", limit)
			return false, minute.Add(time.Minute), nil
		}
	}

	if dailyKey != "" {
		ok, n, err := b.rl.Allow(ctx, dailyKey, b.cfg.DailyLimit, 25*time.Hour)
		if err != nil {
			return false, now.Add(time.Minute), err
		}
		if !ok {
			return b.dailyExhausted(local, n)
		}
	}
	return true, time.Time{}, nil
}

// dailyExhausted refuses until the next local midnight.
func (b *Budget) dailyExhausted(local time.Time, n int64) (bool, time.Time, error) {
	slog.Warn("daily api budget exhausted", "count", n, "limit", b.cfg.DailyLimit)
	y, m, d := local.Date()
	return false, time.Date(y, m, d+1, 0, 0, 0, 0, b.cfg.Location).UTC(), nil
}
