package telemetry

import (
	"os"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

//go:generate counterfeiter -o fakes/fake_registration_publisher.go . RegistrationPublisher

type RegistrationPublisher interface {
	Register(logger lager.Logger, capabilities hostagent.HostCapabilities) error
}

// Registrar announces the host's static capabilities at startup. It retries
// with backoff until the control plane accepts, then idles until signalled;
// the control plane treats a re-registration of a known host as success.
type Registrar struct {
	hostID     string
	retryDelay time.Duration

	sensors   Sensors
	publisher RegistrationPublisher
	clock     clock.Clock
	logger    lager.Logger
}

func NewRegistrar(logger lager.Logger, hostID string, retryDelay time.Duration, sensors Sensors, publisher RegistrationPublisher, clk clock.Clock) *Registrar {
	return &Registrar{
		hostID:     hostID,
		retryDelay: retryDelay,
		sensors:    sensors,
		publisher:  publisher,
		clock:      clk,
		logger:     logger.Session("registrar"),
	}
}

func (r *Registrar) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	attempt := r.clock.NewTimer(0)
	defer attempt.Stop()

	close(ready)

	registered := false

	for {
		select {
		case <-signals:
			r.logger.Info("complete")
			return nil

		case <-attempt.C():
			if registered {
				continue
			}

			if err := r.register(); err != nil {
				r.logger.Error("registration-failed-retrying", err, lager.Data{
					"retry-in": r.retryDelay.String(),
				})
				attempt.Reset(r.retryDelay)
				continue
			}

			registered = true
		}
	}
}

func (r *Registrar) register() error {
	logger := r.logger.Session("register", lager.Data{"host-id": r.hostID})

	capabilities, err := r.sensors.Capabilities()
	if err != nil {
		logger.Error("failed-reading-capabilities", err)
		return err
	}
	capabilities.HostID = r.hostID

	err = r.publisher.Register(logger, capabilities)
	if err != nil {
		return err
	}

	logger.Info("registered", lager.Data{
		"num-gpus": len(capabilities.GPUs),
		"ram":      bytefmt.ByteSize(capabilities.RAMTotalMB * bytefmt.MEGABYTE),
		"storage":  bytefmt.ByteSize(capabilities.StorageTotalMB * bytefmt.MEGABYTE),
	})

	return nil
}
