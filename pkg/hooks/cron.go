package hooks

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/helixlabs/helix/pkg/logger"
)

// ScheduleEvent is the synthetic trigger event for cron-driven hooks. A hook
// with a cron expression fires on schedule regardless of its bound event.
const ScheduleEvent = "schedule"

// cronLoop checks cron expressions once per minute, aligned to minute
// boundaries so an expression matches at most once per due minute.
func (e *Engine) cronLoop(ctx context.Context) {
	defer e.wg.Done()

	gron := gronx.New()
	isDue := func(expr string, ref time.Time) (bool, error) {
		return gron.IsDue(expr, ref)
	}

	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case tick := <-timer.C:
			e.fireDue(isDue, tick)
		case <-e.done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (e *Engine) fireDue(isDue func(string, time.Time) (bool, error), now time.Time) {
	e.mu.Lock()
	due := make([]*hook, 0, 2)
	for _, h := range e.hooks {
		if !h.enabled || h.cron == "" {
			continue
		}
		ok, err := isDue(h.cron, now)
		if err != nil {
			logger.WarnCF("hooks", "Invalid cron expression", map[string]any{
				"hook": h.name, "cron": h.cron, "error": err.Error(),
			})
			continue
		}
		if ok {
			due = append(due, h)
		}
	}
	e.mu.Unlock()

	for _, h := range due {
		e.invoke(context.Background(), h, &trigger{
			event:   ScheduleEvent,
			payload: map[string]any{"hook": h.name, "cron": h.cron},
			count:   1,
		})
	}
}
