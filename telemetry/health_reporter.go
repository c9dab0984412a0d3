package telemetry

import (
	"os"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

//go:generate counterfeiter -o fakes/fake_health_publisher.go . HealthPublisher

type HealthPublisher interface {
	PushHealth(logger lager.Logger, snapshot hostagent.HealthSnapshot) error
}

//go:generate counterfeiter -o fakes/fake_health_store.go . HealthStore

type HealthStore interface {
	AppendHealthSnapshot(logger lager.Logger, snapshot hostagent.HealthSnapshot) error
}

//go:generate counterfeiter -o fakes/fake_gpu_marker.go . GPUMarker

// GPUMarker flags devices in the inventory. Marking is the one inventory
// write telemetry performs, and it goes through the tracker's own
// serialization, never through rental state.
type GPUMarker interface {
	Snapshot() []hostagent.GPU
	MarkFaulty(logger lager.Logger, gpuID string) error
	MarkHealthy(logger lager.Logger, gpuID string) error
}

const faultThreshold = 3

// HealthReporter probes GPU and host health each cycle, persists a
// snapshot, and pushes it to the control plane. A GPU failing three
// consecutive probes is marked faulty; a passing probe clears it.
type HealthReporter struct {
	interval   time.Duration
	maxRetries int
	retryDelay time.Duration

	gpus             GPUMarker
	sensors          Sensors
	store            HealthStore
	publisher        HealthPublisher
	performanceScore ScoreFunc
	stabilityScore   ScoreFunc
	clock            clock.Clock
	logger           lager.Logger

	failures map[string]int
}

func NewHealthReporter(
	logger lager.Logger,
	interval time.Duration,
	gpus GPUMarker,
	sensors Sensors,
	store HealthStore,
	publisher HealthPublisher,
	performanceScore ScoreFunc,
	stabilityScore ScoreFunc,
	clk clock.Clock,
) *HealthReporter {
	if performanceScore == nil {
		performanceScore = DefaultPerformanceScore
	}
	if stabilityScore == nil {
		stabilityScore = DefaultStabilityScore
	}

	return &HealthReporter{
		interval:         interval,
		maxRetries:       3,
		retryDelay:       time.Second,
		gpus:             gpus,
		sensors:          sensors,
		store:            store,
		publisher:        publisher,
		performanceScore: performanceScore,
		stabilityScore:   stabilityScore,
		clock:            clk,
		logger:           logger.Session("health-reporter"),
		failures:         map[string]int{},
	}
}

func (r *HealthReporter) Run(signals <-chan os.Signal, ready chan<- struct{}) error {
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
			r.check()
		}
	}
}

func (r *HealthReporter) check() {
	logger := r.logger.Session("check")
	logger.Debug("starting")

	readings := []GPUHealthReading{}
	allHealthy := true
	temperatureOK := true
	powerOK := true

	for _, gpu := range r.gpus.Snapshot() {
		reading, err := r.sensors.GPUHealth(gpu.ID)
		if err != nil {
			logger.Error("failed-probing-gpu", err, lager.Data{"gpu-id": gpu.ID})
			reading = GPUHealthReading{DriverResponsive: false}
		}

		readings = append(readings, reading)
		temperatureOK = temperatureOK && reading.TemperatureOK()
		powerOK = powerOK && reading.PowerOK()

		if reading.Healthy() {
			r.failures[gpu.ID] = 0
			r.gpus.MarkHealthy(logger, gpu.ID)
			continue
		}

		allHealthy = false
		r.failures[gpu.ID]++
		logger.Info("gpu-health-check-failed", lager.Data{
			"gpu-id":               gpu.ID,
			"consecutive-failures": r.failures[gpu.ID],
		})

		if r.failures[gpu.ID] >= faultThreshold {
			r.gpus.MarkFaulty(logger, gpu.ID)
		}
	}

	host, err := r.sensors.HostHealth()
	if err != nil {
		logger.Error("failed-probing-host", err)
		host = HostHealthReading{}
	}

	snapshot := hostagent.HealthSnapshot{
		IsHealthy:            allHealthy && host.NetworkOK && host.StorageOK,
		TemperatureOK:        temperatureOK,
		PowerOK:              powerOK,
		NetworkOK:            host.NetworkOK,
		StorageOK:            host.StorageOK,
		GPUPerformanceScore:  r.performanceScore(readings, host),
		SystemStabilityScore: r.stabilityScore(readings, host),
		Timestamp:            r.clock.Now(),
	}
	snapshot.Status = statusFor(snapshot)

	if err := r.store.AppendHealthSnapshot(logger, snapshot); err != nil {
		logger.Error("failed-storing-health-snapshot", err)
	}

	err = deliverWithRetries(logger, r.clock, r.maxRetries, r.retryDelay, func() error {
		return r.publisher.PushHealth(logger, snapshot)
	})
	if err != nil {
		logger.Error("failed-pushing-health", err)
		return
	}

	logger.Debug("done", lager.Data{"status": snapshot.Status})
}

func statusFor(snapshot hostagent.HealthSnapshot) string {
	if snapshot.IsHealthy {
		return "healthy"
	}
	if snapshot.GPUPerformanceScore >= 50 && snapshot.SystemStabilityScore >= 50 {
		return "warning"
	}
	return "unhealthy"
}
