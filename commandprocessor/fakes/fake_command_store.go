package fakes

import (
	"sync"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

// FakeCommandStore remembers recorded results so dedupe behaves as it does
// against the real store.
type FakeCommandStore struct {
	CommandResultStub       func(commandID string) (hostagent.CommandResult, bool, error)
	RecordCommandResultStub func(command hostagent.Command, result hostagent.CommandResult) error

	mutex   sync.Mutex
	results map[string]hostagent.CommandResult
	records []hostagent.Command
}

func NewFakeCommandStore() *FakeCommandStore {
	return &FakeCommandStore{
		results: map[string]hostagent.CommandResult{},
	}
}

func (f *FakeCommandStore) CommandResult(logger lager.Logger, commandID string) (hostagent.CommandResult, bool, error) {
	f.mutex.Lock()
	stub := f.CommandResultStub
	result, found := f.results[commandID]
	f.mutex.Unlock()

	if stub != nil {
		return stub(commandID)
	}
	return result, found, nil
}

func (f *FakeCommandStore) RecordCommandResult(logger lager.Logger, command hostagent.Command, result hostagent.CommandResult) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.records = append(f.records, command)

	if f.RecordCommandResultStub != nil {
		if err := f.RecordCommandResultStub(command, result); err != nil {
			return err
		}
	}

	f.results[command.ID] = result
	return nil
}

func (f *FakeCommandStore) RecordCommandResultCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.records)
}
