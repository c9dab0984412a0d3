package fakes

import (
	"sync"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

type FakeCommandSource struct {
	FetchCommandsStub func() ([]hostagent.Command, error)
	AckCommandStub    func(result hostagent.CommandResult) error

	mutex      sync.Mutex
	fetchCalls int
	acks       []hostagent.CommandResult
}

func NewFakeCommandSource() *FakeCommandSource {
	return &FakeCommandSource{}
}

func (f *FakeCommandSource) FetchCommands(logger lager.Logger) ([]hostagent.Command, error) {
	f.mutex.Lock()
	f.fetchCalls++
	stub := f.FetchCommandsStub
	f.mutex.Unlock()

	if stub != nil {
		return stub()
	}
	return nil, nil
}

func (f *FakeCommandSource) AckCommand(logger lager.Logger, result hostagent.CommandResult) error {
	f.mutex.Lock()
	f.acks = append(f.acks, result)
	stub := f.AckCommandStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(result)
	}
	return nil
}

func (f *FakeCommandSource) FetchCommandsCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.fetchCalls
}

func (f *FakeCommandSource) AckCommandCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.acks)
}

func (f *FakeCommandSource) AckCommandArgsForCall(i int) hostagent.CommandResult {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.acks[i]
}
