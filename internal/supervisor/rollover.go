package supervisor

import (
	"github.com/robfig/cron/v3"

	"guardloop/pkg/logger"
)

// StartDailyRollover arms a cron job that runs the Usage Accountant's
// day-boundary safety net at local midnight, independent of telemetry
// arrival (§4.4 rollover). Callers must call Stop on the returned
// scheduler at shutdown.
func (s *Supervisor) StartDailyRollover() *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc("@midnight", func() {
		rolled := s.accountant.RolloverStale(s.clock.Now())
		if rolled > 0 {
			logger.Info().Int("cells", rolled).Msg("rolled over stale usage cells at midnight")
		}
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to schedule daily rollover")
		return c
	}
	c.Start()
	return c
}
