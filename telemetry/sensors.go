package telemetry

import (
	hostagent "github.com/BANADDA/host-agent"
)

//go:generate counterfeiter -o fakes/fake_sensors.go . Sensors

// Sensors is the collaborator that owns raw hardware readings. The loops in
// this package never collect telemetry themselves; they assemble, persist,
// and deliver what the sensors hand them.
type Sensors interface {
	GPUMetrics(gpuID string) (hostagent.GPUMetrics, error)
	GPUHealth(gpuID string) (GPUHealthReading, error)
	HostMetrics() (hostagent.HostMetrics, error)
	HostHealth() (HostHealthReading, error)
	Capabilities() (hostagent.HostCapabilities, error)
}

// GPUHealthReading is a raw per-device health probe.
type GPUHealthReading struct {
	DriverResponsive bool
	TemperatureC     float64
	PowerDrawW       float64
	FanSpeedPct      float64
	ECCErrors        int
}

// HostHealthReading covers the non-GPU health checks.
type HostHealthReading struct {
	NetworkOK bool
	StorageOK bool
}

const (
	maxSafeTemperatureC = 85.0
	maxSafePowerDrawW   = 500.0
)

func (r GPUHealthReading) TemperatureOK() bool {
	return r.TemperatureC < maxSafeTemperatureC
}

func (r GPUHealthReading) PowerOK() bool {
	return r.PowerDrawW < maxSafePowerDrawW
}

// Healthy requires a responsive driver, spinning fan, sane thermals and
// power, and no ECC errors.
func (r GPUHealthReading) Healthy() bool {
	return r.DriverResponsive &&
		r.TemperatureOK() &&
		r.PowerOK() &&
		r.FanSpeedPct > 0 &&
		r.ECCErrors == 0
}
