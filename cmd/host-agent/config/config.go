package config

import (
	"encoding/json"
	"os"
	"time"

	"code.cloudfoundry.org/durationjson"
	"code.cloudfoundry.org/lager/v3/lagerflags"
)

type AgentConfig struct {
	HostID     string `json:"host_id"`
	PublicHost string `json:"public_host"`

	DatabasePath string `json:"database_path"`

	ServerURL    string `json:"server_url"`
	WebSocketURL string `json:"websocket_url"`
	APIKey       string `json:"api_key"`

	DockerHost string `json:"docker_host,omitempty"`

	NvidiaSMIPath string  `json:"nvidia_smi_path,omitempty"`
	StoragePath   string  `json:"storage_path,omitempty"`
	StorageType   string  `json:"storage_type,omitempty"`
	UploadMbps    float64 `json:"upload_mbps,omitempty"`
	DownloadMbps  float64 `json:"download_mbps,omitempty"`
	LatencyMs     float64 `json:"network_latency_ms,omitempty"`

	HeartbeatInterval   durationjson.Duration `json:"heartbeat_interval,omitempty"`
	MetricsInterval     durationjson.Duration `json:"metrics_interval,omitempty"`
	HealthInterval      durationjson.Duration `json:"health_interval,omitempty"`
	CommandPollInterval durationjson.Duration `json:"command_poll_interval,omitempty"`
	SweepInterval       durationjson.Duration `json:"sweep_interval,omitempty"`
	PruneInterval       durationjson.Duration `json:"prune_interval,omitempty"`
	TelemetryRetention  durationjson.Duration `json:"telemetry_retention,omitempty"`
	RegistrationRetry   durationjson.Duration `json:"registration_retry_interval,omitempty"`

	StartRetries      int                   `json:"container_start_retries,omitempty"`
	StopRetries       int                   `json:"container_stop_retries,omitempty"`
	RetryBackoff      durationjson.Duration `json:"container_retry_backoff,omitempty"`
	ReadinessTimeout  durationjson.Duration `json:"readiness_timeout,omitempty"`
	ReadinessInterval durationjson.Duration `json:"readiness_interval,omitempty"`

	MaxContainerOperations int `json:"max_container_operations,omitempty"`

	lagerflags.LagerConfig
}

func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		DatabasePath:           "/var/lib/host-agent/agent.db",
		HeartbeatInterval:      durationjson.Duration(30 * time.Second),
		MetricsInterval:        durationjson.Duration(time.Minute),
		HealthInterval:         durationjson.Duration(time.Minute),
		CommandPollInterval:    durationjson.Duration(10 * time.Second),
		SweepInterval:          durationjson.Duration(time.Minute),
		PruneInterval:          durationjson.Duration(time.Hour),
		TelemetryRetention:     durationjson.Duration(7 * 24 * time.Hour),
		RegistrationRetry:      durationjson.Duration(15 * time.Second),
		StartRetries:           3,
		StopRetries:            3,
		RetryBackoff:           durationjson.Duration(2 * time.Second),
		ReadinessTimeout:       durationjson.Duration(2 * time.Minute),
		ReadinessInterval:      durationjson.Duration(2 * time.Second),
		MaxContainerOperations: 4,
		LagerConfig:            lagerflags.DefaultLagerConfig(),
	}
}

func NewAgentConfig(configPath string) (AgentConfig, error) {
	agentConfig := DefaultAgentConfig()

	configFile, err := os.Open(configPath)
	if err != nil {
		return AgentConfig{}, err
	}
	defer configFile.Close()

	decoder := json.NewDecoder(configFile)
	err = decoder.Decode(&agentConfig)
	if err != nil {
		return AgentConfig{}, err
	}

	return agentConfig, nil
}
