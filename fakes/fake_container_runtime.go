package fakes

import (
	"sync"

	hostagent "github.com/BANADDA/host-agent"
)

type FakeContainerRuntime struct {
	StartContainerStub func(spec hostagent.ContainerSpec) (hostagent.ContainerInfo, error)
	StopContainerStub  func(containerID string) error
	RemoveContainerStub func(containerID string) error
	ContainerRunningStub func(containerID string) (bool, error)
	CheckReadinessStub   func(containerID string) error

	mutex sync.Mutex

	startContainerArgs   []hostagent.ContainerSpec
	stopContainerArgs    []string
	removeContainerArgs  []string
	containerRunningArgs []string
	checkReadinessArgs   []string
}

func NewFakeContainerRuntime() *FakeContainerRuntime {
	return &FakeContainerRuntime{}
}

func (f *FakeContainerRuntime) StartContainer(spec hostagent.ContainerSpec) (hostagent.ContainerInfo, error) {
	f.mutex.Lock()
	f.startContainerArgs = append(f.startContainerArgs, spec)
	stub := f.StartContainerStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(spec)
	}
	return hostagent.ContainerInfo{ID: "container-" + spec.RentalID}, nil
}

func (f *FakeContainerRuntime) StopContainer(containerID string) error {
	f.mutex.Lock()
	f.stopContainerArgs = append(f.stopContainerArgs, containerID)
	stub := f.StopContainerStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(containerID)
	}
	return nil
}

func (f *FakeContainerRuntime) RemoveContainer(containerID string) error {
	f.mutex.Lock()
	f.removeContainerArgs = append(f.removeContainerArgs, containerID)
	stub := f.RemoveContainerStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(containerID)
	}
	return nil
}

func (f *FakeContainerRuntime) ContainerRunning(containerID string) (bool, error) {
	f.mutex.Lock()
	f.containerRunningArgs = append(f.containerRunningArgs, containerID)
	stub := f.ContainerRunningStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(containerID)
	}
	return false, nil
}

func (f *FakeContainerRuntime) CheckReadiness(containerID string) error {
	f.mutex.Lock()
	f.checkReadinessArgs = append(f.checkReadinessArgs, containerID)
	stub := f.CheckReadinessStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(containerID)
	}
	return nil
}

func (f *FakeContainerRuntime) StartContainerCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.startContainerArgs)
}

func (f *FakeContainerRuntime) StartContainerArgsForCall(i int) hostagent.ContainerSpec {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.startContainerArgs[i]
}

func (f *FakeContainerRuntime) StopContainerCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.stopContainerArgs)
}

func (f *FakeContainerRuntime) StopContainerArgsForCall(i int) string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.stopContainerArgs[i]
}

func (f *FakeContainerRuntime) RemoveContainerCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.removeContainerArgs)
}

func (f *FakeContainerRuntime) ContainerRunningCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.containerRunningArgs)
}

func (f *FakeContainerRuntime) CheckReadinessCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.checkReadinessArgs)
}
