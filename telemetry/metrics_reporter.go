package telemetry

import (
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

//go:generate counterfeiter -o fakes/fake_metrics_publisher.go . MetricsPublisher

type MetricsPublisher interface {
	PushMetrics(logger lager.Logger, report hostagent.MetricsReport) error
}

//go:generate counterfeiter -o fakes/fake_metrics_store.go . MetricsStore

type MetricsStore interface {
	AppendGPUMetrics(logger lager.Logger, sample hostagent.GPUMetrics) error
}

//go:generate counterfeiter -o fakes/fake_gpu_source.go . GPUSource

// GPUSource is a read-only view of the inventory; reporters never mutate
// rental or GPU state.
type GPUSource interface {
	Snapshot() []hostagent.GPU
}

// MetricsReporter samples GPU and host readings each cycle, appends them to
// the durable record, and pushes a report to the control plane. Delivery
// failure is logged and the next cycle proceeds on schedule.
type MetricsReporter struct {
	hostID     string
	interval   time.Duration
	maxRetries int
	retryDelay time.Duration

	gpus      GPUSource
	sensors   Sensors
	store     MetricsStore
	publisher MetricsPublisher
	clock     clock.Clock
	logger    lager.Logger
}

func NewMetricsReporter(
	logger lager.Logger,
	hostID string,
	interval time.Duration,
	gpus GPUSource,
	sensors Sensors,
	store MetricsStore,
	publisher MetricsPublisher,
	clk clock.Clock,
) *MetricsReporter {
	return &MetricsReporter{
		hostID:     hostID,
		interval:   interval,
		maxRetries: 3,
		retryDelay: time.Second,
		gpus:       gpus,
		sensors:    sensors,
		store:      store,
		publisher:  publisher,
		clock:      clk,
		logger:     logger.Session("metrics-reporter"),
	}
}

func (r *MetricsReporter) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	close(ready)

	r.logger.Info("starting", lager.Data{"interval": r.interval.String()})

	for {
		select {
		case <-signals:
			r.logger.Info("complete")
			return nil

		case <-ticker.C():
			r.report()
		}
	}
}

func (r *MetricsReporter) report() {
	logger := r.logger.Session("report")
	logger.Debug("starting")

	now := r.clock.Now()

	gpuSamples := []hostagent.GPUMetrics{}
	for _, gpu := range r.gpus.Snapshot() {
		sample, err := r.sensors.GPUMetrics(gpu.ID)
		if err != nil {
			logger.Error("failed-reading-gpu-metrics", err, lager.Data{"gpu-id": gpu.ID})
			continue
		}
		sample.GPUID = gpu.ID
		sample.Timestamp = now

		if err := r.store.AppendGPUMetrics(logger, sample); err != nil {
			logger.Error("failed-storing-gpu-metrics", err, lager.Data{"gpu-id": gpu.ID})
		}

		gpuSamples = append(gpuSamples, sample)
	}

	hostMetrics, err := r.sensors.HostMetrics()
	if err != nil {
		logger.Error("failed-reading-host-metrics", err)
		return
	}
	hostMetrics.Timestamp = now

	report := hostagent.MetricsReport{
		HostID: r.hostID,
		GPUs:   gpuSamples,
		Host:   hostMetrics,
	}

	err = deliverWithRetries(logger, r.clock, r.maxRetries, r.retryDelay, func() error {
		return r.publisher.PushMetrics(logger, report)
	})
	if err != nil {
		logger.Error("failed-pushing-metrics", err)
		return
	}

	logger.Debug("done", lager.Data{"num-gpus": len(gpuSamples)})
}

// deliverWithRetries attempts a control-plane delivery a bounded number of
// times. Failures here are transient communication errors; the caller logs
// and moves on.
func deliverWithRetries(logger lager.Logger, clk clock.Clock, attempts int, delay time.Duration, deliver func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			clk.Sleep(delay * time.Duration(1<<uint(attempt-2)))
		}

		err = deliver()
		if err == nil {
			return nil
		}

		logger.Debug("delivery-attempt-failed", lager.Data{"attempt": attempt, "error": err.Error()})
	}

	return hostagent.NewError(hostagent.CodeTransientCommunication, "delivery failed after %d attempts: %s", attempts, err)
}
