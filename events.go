package hostagent

import "time"

// StatusEvent is pushed to the control plane on every rental state
// transition. ConnectionInfo is populated only on the ready event.
type StatusEvent struct {
	RentalID       string          `json:"rental_id"`
	State          RentalState     `json:"status"`
	Message        string          `json:"message"`
	ContainerID    string          `json:"container_id,omitempty"`
	ConnectionInfo *ConnectionInfo `json:"connection_info,omitempty"`
	GPUInfo        *GPU            `json:"gpu_info,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

//go:generate counterfeiter -o fakes/fake_event_emitter.go . EventEmitter

type EventEmitter interface {
	Emit(event StatusEvent)
}

//go:generate counterfeiter -o fakes/fake_container_runtime.go . ContainerRuntime

// ContainerRuntime is the narrow interface to the local container engine.
// Implementations own their call timeouts; none of these calls may block
// indefinitely.
type ContainerRuntime interface {
	StartContainer(spec ContainerSpec) (ContainerInfo, error)
	StopContainer(containerID string) error
	RemoveContainer(containerID string) error
	ContainerRunning(containerID string) (bool, error)
	CheckReadiness(containerID string) error
}
