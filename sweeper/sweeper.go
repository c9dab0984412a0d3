package sweeper

import (
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

//go:generate counterfeiter -o fakes/fake_terminator.go . Terminator

type Terminator interface {
	Terminate(rentalID, reason string) (hostagent.TerminateResponse, error)
}

//go:generate counterfeiter -o fakes/fake_expired_rental_source.go . ExpiredRentalSource

type ExpiredRentalSource interface {
	ExpiredRentals(logger lager.Logger, now time.Time) ([]hostagent.Rental, error)
}

// Sweeper enforces duration-based expiry. It scans persisted expires_at on a
// fixed interval and drives expired rentals through the orchestrator's
// termination path. Overlapping cycles and concurrent external terminates
// are safe because Terminate is idempotent; the sweeper keeps no bookkeeping
// of its own.
type Sweeper struct {
	interval   time.Duration
	rentals    ExpiredRentalSource
	terminator Terminator
	clock      clock.Clock
	logger     lager.Logger
}

func NewSweeper(
	logger lager.Logger,
	interval time.Duration,
	rentals ExpiredRentalSource,
	terminator Terminator,
	clk clock.Clock,
) *Sweeper {
	return &Sweeper{
		interval:   interval,
		rentals:    rentals,
		terminator: terminator,
		clock:      clk,
		logger:     logger.Session("expiration-sweeper"),
	}
}

func (s *Sweeper) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	close(ready)

	s.logger.Info("starting", lager.Data{"interval": s.interval.String()})

	for {
		select {
		case <-signals:
			s.logger.Info("complete")
			return nil

		case <-ticker.C():
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	logger := s.logger.Session("sweep")
	logger.Debug("starting")

	expired, err := s.rentals.ExpiredRentals(logger, s.clock.Now())
	if err != nil {
		logger.Error("failed-listing-expired-rentals", err)
		return
	}

	if len(expired) == 0 {
		logger.Debug("no-expired-rentals-found")
		return
	}

	logger.Info("reaping-expired-rentals", lager.Data{"num-expired": len(expired)})

	for _, rental := range expired {
		_, err := s.terminator.Terminate(rental.ID, "expired")
		if err != nil {
			logger.Error("failed-terminating-expired-rental", err, lager.Data{"rental-id": rental.ID})
		}
	}
}
