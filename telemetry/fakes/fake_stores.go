package fakes

import (
	"sync"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

type FakeMetricsStore struct {
	AppendGPUMetricsStub func(sample hostagent.GPUMetrics) error

	mutex   sync.Mutex
	samples []hostagent.GPUMetrics
}

func NewFakeMetricsStore() *FakeMetricsStore {
	return &FakeMetricsStore{}
}

func (f *FakeMetricsStore) AppendGPUMetrics(logger lager.Logger, sample hostagent.GPUMetrics) error {
	f.mutex.Lock()
	f.samples = append(f.samples, sample)
	stub := f.AppendGPUMetricsStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(sample)
	}
	return nil
}

func (f *FakeMetricsStore) AppendGPUMetricsCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.samples)
}

func (f *FakeMetricsStore) AppendGPUMetricsArgsForCall(i int) hostagent.GPUMetrics {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.samples[i]
}

type FakeHealthStore struct {
	AppendHealthSnapshotStub func(snapshot hostagent.HealthSnapshot) error

	mutex     sync.Mutex
	snapshots []hostagent.HealthSnapshot
}

func NewFakeHealthStore() *FakeHealthStore {
	return &FakeHealthStore{}
}

func (f *FakeHealthStore) AppendHealthSnapshot(logger lager.Logger, snapshot hostagent.HealthSnapshot) error {
	f.mutex.Lock()
	f.snapshots = append(f.snapshots, snapshot)
	stub := f.AppendHealthSnapshotStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(snapshot)
	}
	return nil
}

func (f *FakeHealthStore) AppendHealthSnapshotCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.snapshots)
}

func (f *FakeHealthStore) AppendHealthSnapshotArgsForCall(i int) hostagent.HealthSnapshot {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.snapshots[i]
}
