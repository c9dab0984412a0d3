package fakes

import (
	"sync"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
	"github.com/BANADDA/host-agent/store"
)

// FakeRentalStore is an in-memory stand-in for the sqlite store. It applies
// the same transition rules so orchestrator tests exercise real state-machine
// behavior without a database.
type FakeRentalStore struct {
	CreateRentalStub     func(rental hostagent.Rental) error
	TransitionRentalStub func(rentalID string, from, to hostagent.RentalState, update store.RentalUpdate) error

	mutex   sync.Mutex
	rentals map[string]hostagent.Rental

	transitions []TransitionCall
}

type TransitionCall struct {
	RentalID string
	From     hostagent.RentalState
	To       hostagent.RentalState
	Update   store.RentalUpdate
}

func NewFakeRentalStore() *FakeRentalStore {
	return &FakeRentalStore{
		rentals: map[string]hostagent.Rental{},
	}
}

func (f *FakeRentalStore) CreateRental(logger lager.Logger, rental hostagent.Rental) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.CreateRentalStub != nil {
		if err := f.CreateRentalStub(rental); err != nil {
			return err
		}
	}

	f.rentals[rental.ID] = rental
	return nil
}

func (f *FakeRentalStore) TransitionRental(logger lager.Logger, rentalID string, from, to hostagent.RentalState, update store.RentalUpdate) (hostagent.Rental, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.transitions = append(f.transitions, TransitionCall{RentalID: rentalID, From: from, To: to, Update: update})

	if f.TransitionRentalStub != nil {
		if err := f.TransitionRentalStub(rentalID, from, to, update); err != nil {
			return hostagent.Rental{}, err
		}
	}

	rental, found := f.rentals[rentalID]
	if !found {
		return hostagent.Rental{}, hostagent.ErrRentalNotFound
	}
	if rental.State != from || !from.CanTransitionTo(to) {
		return hostagent.Rental{}, hostagent.ErrInvalidTransition
	}

	rental.State = to
	if update.ContainerID != nil {
		rental.ContainerID = *update.ContainerID
	}
	if update.PortMappings != nil {
		rental.PortMappings = update.PortMappings
	}
	if update.ExpiresAt != nil && rental.ExpiresAt.IsZero() {
		rental.ExpiresAt = *update.ExpiresAt
	}
	if update.TerminatedAt != nil {
		rental.TerminatedAt = *update.TerminatedAt
	}
	if update.FailureReason != nil {
		rental.FailureReason = *update.FailureReason
	}

	f.rentals[rentalID] = rental
	return rental.Copy(), nil
}

func (f *FakeRentalStore) LookupRental(logger lager.Logger, rentalID string) (hostagent.Rental, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	rental, found := f.rentals[rentalID]
	if !found {
		return hostagent.Rental{}, hostagent.ErrRentalNotFound
	}
	return rental.Copy(), nil
}

func (f *FakeRentalStore) ActiveRentals(logger lager.Logger) ([]hostagent.Rental, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	active := []hostagent.Rental{}
	for _, rental := range f.rentals {
		if !rental.State.Terminal() {
			active = append(active, rental.Copy())
		}
	}
	return active, nil
}

// SeedRental installs a rental directly, bypassing transition rules.
func (f *FakeRentalStore) SeedRental(rental hostagent.Rental) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.rentals[rental.ID] = rental
}

func (f *FakeRentalStore) Rental(rentalID string) (hostagent.Rental, bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	rental, found := f.rentals[rentalID]
	return rental, found
}

func (f *FakeRentalStore) Transitions() []TransitionCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	calls := make([]TransitionCall, len(f.transitions))
	copy(calls, f.transitions)
	return calls
}
