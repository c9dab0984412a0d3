package telemetry

import (
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
)

//go:generate counterfeiter -o fakes/fake_heartbeat_publisher.go . HeartbeatPublisher

type HeartbeatPublisher interface {
	Heartbeat(logger lager.Logger) error
}

// Heartbeater tells the control plane the agent is alive. Missed beats are
// surfaced server-side as degraded health, never treated as fatal here.
type Heartbeater struct {
	interval  time.Duration
	publisher HeartbeatPublisher
	clock     clock.Clock
	logger    lager.Logger
}

func NewHeartbeater(logger lager.Logger, interval time.Duration, publisher HeartbeatPublisher, clk clock.Clock) *Heartbeater {
	return &Heartbeater{
		interval:  interval,
		publisher: publisher,
		clock:     clk,
		logger:    logger.Session("heartbeater"),
	}
}

func (h *Heartbeater) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	close(ready)

	h.logger.Info("starting", lager.Data{"interval": h.interval.String()})

	for {
		select {
		case <-signals:
			h.logger.Info("complete")
			return nil

		case <-ticker.C():
			if err := h.publisher.Heartbeat(h.logger); err != nil {
				h.logger.Error("failed-sending-heartbeat", err)
			}
		}
	}
}
