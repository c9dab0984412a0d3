package keyedlock

import (
	"fmt"
	"sync"

	"code.cloudfoundry.org/lager/v3"
)

//go:generate counterfeiter -o fakelockmanager/fake_lock_manager.go . LockManager

// LockManager serializes access per entity id. The orchestrator takes the
// rental's lock around every state transition so two operations targeting
// the same rental never interleave their effects.
type LockManager interface {
	Lock(logger lager.Logger, key string)
	Unlock(logger lager.Logger, key string)
}

type lockManager struct {
	locks map[string]*lockEntry
	mutex sync.Mutex
}

type lockEntry struct {
	ch    chan struct{}
	count int
}

func NewLockManager() LockManager {
	return &lockManager{
		locks: map[string]*lockEntry{},
	}
}

func (m *lockManager) Lock(logger lager.Logger, key string) {
	logger.Debug("locking")
	defer logger.Debug("locking-complete")

	m.mutex.Lock()
	entry, ok := m.locks[key]
	if !ok {
		entry = &lockEntry{
			ch: make(chan struct{}, 1),
		}
		m.locks[key] = entry
	}

	entry.count++
	m.mutex.Unlock()
	entry.ch <- struct{}{}
}

func (m *lockManager) Unlock(logger lager.Logger, key string) {
	logger.Debug("unlocking")
	defer logger.Debug("unlocking-complete")

	m.mutex.Lock()
	entry, ok := m.locks[key]
	if !ok {
		panic(fmt.Sprintf("key %q already unlocked", key))
	}

	entry.count--
	if entry.count == 0 {
		delete(m.locks, key)
	}

	m.mutex.Unlock()
	<-entry.ch
}
