package fakes

import (
	"sync"

	hostagent "github.com/BANADDA/host-agent"
)

type FakeTerminator struct {
	TerminateStub func(rentalID, reason string) (hostagent.TerminateResponse, error)

	mutex         sync.Mutex
	terminateArgs []TerminateCall
}

type TerminateCall struct {
	RentalID string
	Reason   string
}

func NewFakeTerminator() *FakeTerminator {
	return &FakeTerminator{}
}

func (f *FakeTerminator) Terminate(rentalID, reason string) (hostagent.TerminateResponse, error) {
	f.mutex.Lock()
	f.terminateArgs = append(f.terminateArgs, TerminateCall{RentalID: rentalID, Reason: reason})
	stub := f.TerminateStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(rentalID, reason)
	}
	return hostagent.TerminateResponse{Success: true}, nil
}

func (f *FakeTerminator) TerminateCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.terminateArgs)
}

func (f *FakeTerminator) TerminateArgsForCall(i int) (string, string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.terminateArgs[i].RentalID, f.terminateArgs[i].Reason
}
