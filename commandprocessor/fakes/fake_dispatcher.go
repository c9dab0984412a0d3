package fakes

import (
	"sync"

	hostagent "github.com/BANADDA/host-agent"
)

type FakeDispatcher struct {
	ProvisionStub func(request hostagent.ProvisionRequest) (hostagent.ProvisionResponse, error)
	TerminateStub func(rentalID, reason string) (hostagent.TerminateResponse, error)

	mutex         sync.Mutex
	provisionArgs []hostagent.ProvisionRequest
	terminateArgs []TerminateCall
}

type TerminateCall struct {
	RentalID string
	Reason   string
}

func NewFakeDispatcher() *FakeDispatcher {
	return &FakeDispatcher{}
}

func (f *FakeDispatcher) Provision(request hostagent.ProvisionRequest) (hostagent.ProvisionResponse, error) {
	f.mutex.Lock()
	f.provisionArgs = append(f.provisionArgs, request)
	stub := f.ProvisionStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(request)
	}
	return hostagent.ProvisionResponse{Success: true, Message: "rental is ready"}, nil
}

func (f *FakeDispatcher) Terminate(rentalID, reason string) (hostagent.TerminateResponse, error) {
	f.mutex.Lock()
	f.terminateArgs = append(f.terminateArgs, TerminateCall{RentalID: rentalID, Reason: reason})
	stub := f.TerminateStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(rentalID, reason)
	}
	return hostagent.TerminateResponse{Success: true, Message: "rental terminated"}, nil
}

func (f *FakeDispatcher) ProvisionCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.provisionArgs)
}

func (f *FakeDispatcher) ProvisionArgsForCall(i int) hostagent.ProvisionRequest {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.provisionArgs[i]
}

func (f *FakeDispatcher) TerminateCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.terminateArgs)
}

func (f *FakeDispatcher) TerminateArgsForCall(i int) (string, string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.terminateArgs[i].RentalID, f.terminateArgs[i].Reason
}
