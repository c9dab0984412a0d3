package fakes

import (
	"sync"

	hostagent "github.com/BANADDA/host-agent"
)

type FakeEventEmitter struct {
	EmitStub func(event hostagent.StatusEvent)

	mutex  sync.Mutex
	events []hostagent.StatusEvent
}

func NewFakeEventEmitter() *FakeEventEmitter {
	return &FakeEventEmitter{}
}

func (f *FakeEventEmitter) Emit(event hostagent.StatusEvent) {
	f.mutex.Lock()
	f.events = append(f.events, event)
	stub := f.EmitStub
	f.mutex.Unlock()

	if stub != nil {
		stub(event)
	}
}

func (f *FakeEventEmitter) EmitCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.events)
}

func (f *FakeEventEmitter) EmitArgsForCall(i int) hostagent.StatusEvent {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.events[i]
}

// Events returns a copy of every emitted event, in order.
func (f *FakeEventEmitter) Events() []hostagent.StatusEvent {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	events := make([]hostagent.StatusEvent, len(f.events))
	copy(events, f.events)
	return events
}
