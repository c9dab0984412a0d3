package fakes

import (
	"sync"
	"time"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

type FakeExpiredRentalSource struct {
	ExpiredRentalsStub func(now time.Time) ([]hostagent.Rental, error)

	mutex sync.Mutex
	calls []time.Time
}

func NewFakeExpiredRentalSource() *FakeExpiredRentalSource {
	return &FakeExpiredRentalSource{}
}

func (f *FakeExpiredRentalSource) ExpiredRentals(logger lager.Logger, now time.Time) ([]hostagent.Rental, error) {
	f.mutex.Lock()
	f.calls = append(f.calls, now)
	stub := f.ExpiredRentalsStub
	f.mutex.Unlock()

	if stub != nil {
		return stub(now)
	}
	return nil, nil
}

func (f *FakeExpiredRentalSource) ExpiredRentalsCallCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.calls)
}

func (f *FakeExpiredRentalSource) ExpiredRentalsArgsForCall(i int) time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls[i]
}
