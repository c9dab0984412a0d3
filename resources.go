package hostagent

import (
	"encoding/json"
	"time"
)

type GPUStatus string

const (
	GPUStatusFree      GPUStatus = "free"
	GPUStatusAllocated GPUStatus = "allocated"
	GPUStatusFaulty    GPUStatus = "faulty"
)

// GPU describes one physical device on the host. The owning RentalID is
// non-empty exactly when Status is GPUStatusAllocated.
type GPU struct {
	ID            string `json:"id"`
	Model         string `json:"model"`
	TotalMemoryMB uint64 `json:"total_memory_mb"`
	DriverVersion string `json:"driver_version"`
	CUDAVersion   string `json:"cuda_version"`

	Status   GPUStatus `json:"status"`
	RentalID string    `json:"rental_id,omitempty"`
}

type RentalState string

const (
	RentalStateInvalid     RentalState = ""
	RentalStatePending     RentalState = "pending"
	RentalStateCreating    RentalState = "creating"
	RentalStateRunning     RentalState = "running"
	RentalStateReady       RentalState = "ready"
	RentalStateTerminating RentalState = "terminating"
	RentalStateTerminated  RentalState = "terminated"
	RentalStateExpired     RentalState = "expired"
	RentalStateFailed      RentalState = "failed"
)

var validTransitions = map[RentalState][]RentalState{
	RentalStatePending:     {RentalStateCreating},
	RentalStateCreating:    {RentalStateRunning, RentalStateFailed},
	RentalStateRunning:     {RentalStateReady, RentalStateTerminating, RentalStateFailed},
	RentalStateReady:       {RentalStateTerminating, RentalStateFailed},
	RentalStateTerminating: {RentalStateTerminated, RentalStateFailed},
}

func (s RentalState) Terminal() bool {
	return s == RentalStateTerminated || s == RentalStateFailed
}

func (s RentalState) CanTransitionTo(next RentalState) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type AuthType string

const (
	AuthTypePassword AuthType = "password"
	AuthTypeSSHKey   AuthType = "ssh_key"
)

// AuthConfig carries tenant credential material. The credential is opaque to
// the agent; it is injected into the container and echoed back in the ready
// event's connection info.
type AuthConfig struct {
	Type       AuthType `json:"auth_type"`
	Credential string   `json:"credential"`
}

type Rental struct {
	ID           string            `json:"id"`
	GPUType      string            `json:"gpu_type"`
	GPUID        string            `json:"gpu_id,omitempty"`
	ContainerID  string            `json:"container_id,omitempty"`
	State        RentalState       `json:"state"`
	Image        string            `json:"os_image"`
	InstanceName string            `json:"instance_name"`
	Auth         AuthConfig        `json:"auth"`
	PortMappings map[string]string `json:"port_mappings,omitempty"`
	Env          map[string]string `json:"environment_variables,omitempty"`

	CreatedAt     time.Time     `json:"created_at"`
	Duration      time.Duration `json:"duration"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty"`
	TerminatedAt  time.Time     `json:"terminated_at,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

func (r Rental) Copy() Rental {
	r.PortMappings = copyMap(r.PortMappings)
	r.Env = copyMap(r.Env)
	return r
}

// Expired reports whether the rental's clock has run out. Only rentals that
// reached running have an expiry; expires_at is set exactly once.
func (r Rental) Expired(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !r.ExpiresAt.After(now)
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type ProvisionRequest struct {
	HostID        string            `json:"host_id"`
	GPUType       string            `json:"gpu_type"`
	OSImage       string            `json:"os_image"`
	DurationHours float64           `json:"duration_hours"`
	AuthType      AuthType          `json:"auth_type"`
	Credential    string            `json:"credential"`
	InstanceName  string            `json:"instance_name"`
	Env           map[string]string `json:"environment_variables,omitempty"`
	PortMappings  map[string]string `json:"port_mappings,omitempty"`
}

func (req *ProvisionRequest) Duration() time.Duration {
	return time.Duration(req.DurationHours * float64(time.Hour))
}

// Validate rejects malformed requests before any side effect occurs.
func (req *ProvisionRequest) Validate() error {
	if req.GPUType == "" {
		return NewError(CodeValidation, "gpu_type must not be empty")
	}
	if req.DurationHours <= 0 {
		return NewError(CodeValidation, "duration_hours must be positive")
	}
	switch req.AuthType {
	case AuthTypePassword, AuthTypeSSHKey:
	default:
		return NewError(CodeValidation, "auth_type must be password or ssh_key")
	}
	if req.Credential == "" {
		return NewError(CodeValidation, "credential must not be empty")
	}
	return nil
}

type ProvisionResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	RentalID    string `json:"rental_id"`
	ContainerID string `json:"container_id,omitempty"`
	SSHPort     string `json:"ssh_port,omitempty"`
}

type TerminateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ConnectionInfo is handed to the tenant once a rental is ready.
type ConnectionInfo struct {
	Host         string            `json:"host,omitempty"`
	SSHPort      string            `json:"ssh_port,omitempty"`
	AuthType     AuthType          `json:"auth_type"`
	Credential   string            `json:"credential"`
	PortMappings map[string]string `json:"port_mappings,omitempty"`
}

// ContainerSpec is what the orchestrator asks the container runtime to start.
type ContainerSpec struct {
	RentalID     string
	Name         string
	Image        string
	GPUID        string
	Env          map[string]string
	PortMappings map[string]string
	Auth         AuthConfig
}

// ContainerInfo is the runtime's view of a started container. PortMappings
// holds the actual host-side bindings, which may differ from the requested
// ones when the runtime allocates dynamic ports.
type ContainerInfo struct {
	ID           string
	SSHPort      string
	PortMappings map[string]string
}

type Command struct {
	ID         string          `json:"command_id"`
	Type       string          `json:"command_type"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

type CommandResult struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

type GPUMetrics struct {
	GPUID          string    `json:"gpu_id"`
	UtilizationPct float64   `json:"utilization"`
	VRAMUsedMB     uint64    `json:"vram_used"`
	TemperatureC   float64   `json:"temperature"`
	PowerDrawW     float64   `json:"power_draw"`
	FanSpeedPct    float64   `json:"fan_speed"`
	Timestamp      time.Time `json:"timestamp"`
}

type HostMetrics struct {
	CPUUtilizationPct     float64   `json:"cpu_utilization"`
	RAMUsedMB             uint64    `json:"ram_used"`
	StorageUsedMB         uint64    `json:"storage_used"`
	NetworkUtilizationPct float64   `json:"network_utilization"`
	UploadMbps            float64   `json:"upload_mbps"`
	DownloadMbps          float64   `json:"download_mbps"`
	UptimeHours           float64   `json:"uptime_hours"`
	Timestamp             time.Time `json:"timestamp"`
}

type MetricsReport struct {
	HostID string       `json:"host_id"`
	GPUs   []GPUMetrics `json:"gpus"`
	Host   HostMetrics  `json:"host"`
}

type HealthSnapshot struct {
	IsHealthy            bool      `json:"is_healthy"`
	Status               string    `json:"status"`
	TemperatureOK        bool      `json:"temperature_ok"`
	PowerOK              bool      `json:"power_ok"`
	NetworkOK            bool      `json:"network_ok"`
	StorageOK            bool      `json:"storage_ok"`
	GPUPerformanceScore  float64   `json:"gpu_performance_score"`
	SystemStabilityScore float64   `json:"system_stability_score"`
	Timestamp            time.Time `json:"timestamp"`
}

// HostCapabilities is the static capability description sent at registration.
type HostCapabilities struct {
	HostID           string  `json:"host_id"`
	GPUs             []GPU   `json:"gpus"`
	CPUModel         string  `json:"cpu_model"`
	CPUCores         int     `json:"cpu_cores"`
	RAMTotalMB       uint64  `json:"ram_total_mb"`
	StorageTotalMB   uint64  `json:"storage_total_mb"`
	StorageType      string  `json:"storage_type"`
	NetworkUpMbps    float64 `json:"network_up_mbps"`
	NetworkDownMbps  float64 `json:"network_down_mbps"`
	NetworkLatencyMs float64 `json:"network_latency_ms"`
	UptimeHours      float64 `json:"uptime_hours"`
}
