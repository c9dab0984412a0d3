package store

import (
	"os"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/tedsuo/ifrit"
)

// Pruner periodically deletes telemetry rows older than the retention
// window. Rental rows are kept for historical query and are not touched.
func (s *Store) Pruner(logger lager.Logger, interval, retention time.Duration) ifrit.Runner {
	logger = logger.Session("telemetry-pruner")

	return ifrit.RunFunc(func(signals <-chan os.Signal, ready chan<- struct{}) error {
		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()

		close(ready)

		for {
			select {
			case <-signals:
				logger.Info("exiting-pruning-loop")
				return nil

			case <-ticker.C():
				cutoff := s.clock.Now().Add(-retention)

				pruned, err := s.PruneTelemetry(logger, cutoff)
				if err != nil {
					logger.Error("prune-failed", err)
					continue
				}

				if pruned > 0 {
					logger.Info("pruned-expired-telemetry", lager.Data{"num-pruned": pruned})
				} else {
					logger.Debug("no-expired-telemetry-found")
				}
			}
		}
	})
}
