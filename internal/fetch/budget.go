package fetch

import (
	"context"
	"fmt"
	"time"

	"klinelake/internal/util"
)

// WeightBudget is the source's request weight for the current minute.
type WeightBudget struct {
	MaxPerWindow   int
	Used           int
	ServerTime     time.Time
	WindowBoundary time.Time // the next minute boundary in server time
}

// Exceeded reports whether used weight is above threshold × max.
func (b WeightBudget) Exceeded(threshold float64) bool {
	return float64(b.Used) > threshold*float64(b.MaxPerWindow)
}

// Budget polls the source for its current weight budget.
func (s *Scheduler) Budget(ctx context.Context) (WeightBudget, error) {
	res := Call(ctx, s.policy, func(ctx context.Context) (WeightBudget, error) {
		now, used, err := s.src.TimeAndWeight(ctx)
		if err != nil {
			return WeightBudget{}, err
		}
		return WeightBudget{
			MaxPerWindow:   s.src.Profile().MaxMinuteWeight,
			Used:           used,
			ServerTime:     now,
			WindowBoundary: util.NextMinute(now),
		}, nil
	})
	if res.Kind != Ok {
		return WeightBudget{}, fmt.Errorf("polling weight: %w", res.Err)
	}
	metricUsedWeight.WithLabelValues(string(s.src.Profile().Type)).Set(float64(res.Value.Used))
	return res.Value, nil
}

// admit blocks until the budget allows another batch. While the used weight
// is above the threshold it sleeps until the next minute boundary of the
// server clock and polls again.
func (s *Scheduler) admit(ctx context.Context) error {
	for {
		budget, err := s.Budget(ctx)
		if err != nil {
			return err
		}
		if !budget.Exceeded(s.threshold) {
			return nil
		}

		metricAdmissionSleeps.Inc()
		wait := budget.WindowBoundary.Sub(budget.ServerTime)
		s.log.Info("weight budget exceeded, sleeping",
			"used", budget.Used,
			"max", budget.MaxPerWindow,
			"until", budget.WindowBoundary.Format(time.RFC3339),
		)
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
