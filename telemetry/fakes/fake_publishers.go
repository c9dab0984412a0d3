package fakes

import (
	"sync"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

type FakeMetricsPublisher struct {
	PushMetricsStub func(report hostagent.MetricsReport) error

	mutex   sync.Mutex
	reports []hostagent.MetricsReport
}

func NewFakeMetricsPublisher() *FakeMetricsPublisher {
	return &FakeMetricsPublisher{}
}

func (f *FakeMetricsPublisher) PushMetrics(logger lager.Logger, report hostagent.MetricsReport) error {
	f.mutex.Lock()
	f.reports = append(f.reports, report)
	stub := f.PushMetricsStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(report)
	}
	return nil
}

func (f *FakeMetricsPublisher) PushMetricsCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.reports)
}

func (f *FakeMetricsPublisher) PushMetricsArgsForCall(i int) hostagent.MetricsReport {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.reports[i]
}

type FakeHealthPublisher struct {
	PushHealthStub func(snapshot hostagent.HealthSnapshot) error

	mutex     sync.Mutex
	snapshots []hostagent.HealthSnapshot
}

func NewFakeHealthPublisher() *FakeHealthPublisher {
	return &FakeHealthPublisher{}
}

func (f *FakeHealthPublisher) PushHealth(logger lager.Logger, snapshot hostagent.HealthSnapshot) error {
	f.mutex.Lock()
	f.snapshots = append(f.snapshots, snapshot)
	stub := f.PushHealthStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(snapshot)
	}
	return nil
}

func (f *FakeHealthPublisher) PushHealthCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.snapshots)
}

func (f *FakeHealthPublisher) PushHealthArgsForCall(i int) hostagent.HealthSnapshot {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.snapshots[i]
}

type FakeHeartbeatPublisher struct {
	HeartbeatStub func() error

	mutex sync.Mutex
	calls int
}

func NewFakeHeartbeatPublisher() *FakeHeartbeatPublisher {
	return &FakeHeartbeatPublisher{}
}

func (f *FakeHeartbeatPublisher) Heartbeat(logger lager.Logger) error {
	f.mutex.Lock()
	f.calls++
	stub := f.HeartbeatStub
	f.mutex.Unlock()

	if stub != nil {
		return stub()
	}
	return nil
}

func (f *FakeHeartbeatPublisher) HeartbeatCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls
}

type FakeRegistrationPublisher struct {
	RegisterStub func(capabilities hostagent.HostCapabilities) error

	mutex         sync.Mutex
	registrations []hostagent.HostCapabilities
}

func NewFakeRegistrationPublisher() *FakeRegistrationPublisher {
	return &FakeRegistrationPublisher{}
}

func (f *FakeRegistrationPublisher) Register(logger lager.Logger, capabilities hostagent.HostCapabilities) error {
	f.mutex.Lock()
	f.registrations = append(f.registrations, capabilities)
	stub := f.RegisterStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(capabilities)
	}
	return nil
}

func (f *FakeRegistrationPublisher) RegisterCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.registrations)
}

func (f *FakeRegistrationPublisher) RegisterArgsForCall(i int) hostagent.HostCapabilities {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.registrations[i]
}
