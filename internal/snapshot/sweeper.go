package snapshot

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// StartSweeper runs Sweep on a schedule until the returned stop function is
// called. It is a no-op when retention is zero because Release destroys
// immediately in that mode.
func (m *Manager) StartSweeper(schedule string) (stop func(), err error) {
	if m.retention == 0 {
		return func() {}, nil
	}
	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Retention sweep failed")
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
