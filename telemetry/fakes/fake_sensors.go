package fakes

import (
	"sync"

	hostagent "github.com/BANADDA/host-agent"
	"github.com/BANADDA/host-agent/telemetry"
)

type FakeSensors struct {
	GPUMetricsStub   func(gpuID string) (hostagent.GPUMetrics, error)
	GPUHealthStub    func(gpuID string) (telemetry.GPUHealthReading, error)
	HostMetricsStub  func() (hostagent.HostMetrics, error)
	HostHealthStub   func() (telemetry.HostHealthReading, error)
	CapabilitiesStub func() (hostagent.HostCapabilities, error)

	mutex             sync.Mutex
	gpuMetricsArgs    []string
	gpuHealthArgs     []string
	hostMetricsCalls  int
	hostHealthCalls   int
	capabilitiesCalls int
}

func NewFakeSensors() *FakeSensors {
	return &FakeSensors{}
}

func (f *FakeSensors) GPUMetrics(gpuID string) (hostagent.GPUMetrics, error) {
	f.mutex.Lock()
	f.gpuMetricsArgs = append(f.gpuMetricsArgs, gpuID)
	stub := f.GPUMetricsStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(gpuID)
	}
	return hostagent.GPUMetrics{GPUID: gpuID}, nil
}

func (f *FakeSensors) GPUHealth(gpuID string) (telemetry.GPUHealthReading, error) {
	f.mutex.Lock()
	f.gpuHealthArgs = append(f.gpuHealthArgs, gpuID)
	stub := f.GPUHealthStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(gpuID)
	}
	return telemetry.GPUHealthReading{
		DriverResponsive: true,
		TemperatureC:     60,
		PowerDrawW:       200,
		FanSpeedPct:      40,
	}, nil
}

func (f *FakeSensors) HostMetrics() (hostagent.HostMetrics, error) {
	f.mutex.Lock()
	f.hostMetricsCalls++
	stub := f.HostMetricsStub
	f.mutex.Unlock()

	if stub != nil {
		return stub()
	}
	return hostagent.HostMetrics{}, nil
}

func (f *FakeSensors) HostHealth() (telemetry.HostHealthReading, error) {
	f.mutex.Lock()
	f.hostHealthCalls++
	stub := f.HostHealthStub
	f.mutex.Unlock()

	if stub != nil {
		return stub()
	}
	return telemetry.HostHealthReading{NetworkOK: true, StorageOK: true}, nil
}

func (f *FakeSensors) Capabilities() (hostagent.HostCapabilities, error) {
	f.mutex.Lock()
	f.capabilitiesCalls++
	stub := f.CapabilitiesStub
	f.mutex.Unlock()

	if stub != nil {
		return stub()
	}
	return hostagent.HostCapabilities{}, nil
}

func (f *FakeSensors) GPUMetricsCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.gpuMetricsArgs)
}

func (f *FakeSensors) GPUHealthCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.gpuHealthArgs)
}

func (f *FakeSensors) CapabilitiesCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.capabilitiesCalls
}
