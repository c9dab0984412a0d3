package event

import (
	"sync"

	hostagent "github.com/BANADDA/host-agent"
)

const subscriberBuffer = 64

//go:generate counterfeiter -o fakes/fake_hub.go . Hub

type Hub interface {
	Emit(event hostagent.StatusEvent)
	Subscribe() <-chan hostagent.StatusEvent
	Close()
}

func NewHub() Hub {
	return &hub{}
}

type hub struct {
	subscribers []chan hostagent.StatusEvent
	lock        sync.Mutex

	closed bool
}

// Emit never blocks on a subscriber. A full subscriber buffer loses its
// oldest undelivered event to make room for the new one.
func (h *hub) Emit(event hostagent.StatusEvent) {
	h.lock.Lock()
	defer h.lock.Unlock()

	for _, sub := range h.subscribers {
		for {
			select {
			case sub <- event:
			default:
				select {
				case <-sub:
				default:
				}
				continue
			}
			break
		}
	}
}

func (h *hub) Subscribe() <-chan hostagent.StatusEvent {
	events := make(chan hostagent.StatusEvent, subscriberBuffer)

	h.lock.Lock()
	defer h.lock.Unlock()

	if h.closed {
		close(events)
	} else {
		h.subscribers = append(h.subscribers, events)
	}

	return events
}

func (h *hub) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()

	for _, sub := range h.subscribers {
		close(sub)
	}

	h.subscribers = nil
	h.closed = true
}
