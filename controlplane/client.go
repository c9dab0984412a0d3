package controlplane

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
)

type Config struct {
	BaseURL        string
	WebSocketURL   string
	APIKey         string
	HostID         string
	RequestTimeout time.Duration
}

// Client is the HTTP side of the control-plane collaborator: registration,
// heartbeat, metrics/health push, command poll and ack. Every call has a
// bounded timeout; failures surface as TransientCommunicationError and are
// retried by the calling loop, never here.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     lager.Logger
}

func NewClient(logger lager.Logger, config Config) *Client {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		config:     config,
		logger:     logger.Session("control-plane-client"),
	}
}

func (c *Client) Register(logger lager.Logger, capabilities hostagent.HostCapabilities) error {
	status, body, err := c.post(logger, "/api/agents/register", capabilities)
	if err != nil {
		return err
	}

	switch {
	case status == http.StatusConflict:
		// already registered from a previous run
		logger.Debug("agent-already-registered")
		return nil
	case status >= 200 && status < 300:
		return nil
	default:
		return communicationErr("register", status, body)
	}
}

func (c *Client) Heartbeat(logger lager.Logger) error {
	payload := struct {
		HostID    string    `json:"host_id"`
		Timestamp time.Time `json:"timestamp"`
	}{
		HostID:    c.config.HostID,
		Timestamp: time.Now().UTC(),
	}

	return c.postExpectingOK(logger, c.agentPath("heartbeat"), payload, "heartbeat")
}

func (c *Client) PushMetrics(logger lager.Logger, report hostagent.MetricsReport) error {
	return c.postExpectingOK(logger, c.agentPath("metrics"), report, "push metrics")
}

func (c *Client) PushHealth(logger lager.Logger, snapshot hostagent.HealthSnapshot) error {
	return c.postExpectingOK(logger, c.agentPath("health"), snapshot, "push health")
}

func (c *Client) FetchCommands(logger lager.Logger) ([]hostagent.Command, error) {
	req, err := http.NewRequest(http.MethodGet, c.config.BaseURL+c.agentPath("commands"), nil)
	if err != nil {
		return nil, communicationErrf("fetch commands: %s", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, communicationErrf("fetch commands: %s", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, communicationErr("fetch commands", resp.StatusCode, body)
	}

	var payload struct {
		Commands []hostagent.Command `json:"commands"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, communicationErrf("fetch commands: malformed response: %s", err)
	}

	return payload.Commands, nil
}

func (c *Client) AckCommand(logger lager.Logger, result hostagent.CommandResult) error {
	path := c.agentPath("commands/" + result.CommandID + "/ack")
	return c.postExpectingOK(logger, path, result, "ack command")
}

func (c *Client) agentPath(suffix string) string {
	return "/api/agents/" + c.config.HostID + "/" + suffix
}

func (c *Client) postExpectingOK(logger lager.Logger, path string, payload interface{}, op string) error {
	status, body, err := c.post(logger, path, payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return communicationErr(op, status, body)
	}
	return nil
}

func (c *Client) post(logger lager.Logger, path string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, communicationErrf("marshal request: %s", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, communicationErrf("build request: %s", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug("request-failed", lager.Data{"path": path, "error": err.Error()})
		return 0, nil, communicationErrf("%s: %s", path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

func communicationErr(op string, status int, body []byte) error {
	return hostagent.NewError(hostagent.CodeTransientCommunication,
		"%s: unexpected status %d: %s", op, status, truncate(body))
}

func communicationErrf(format string, args ...interface{}) error {
	return hostagent.NewError(hostagent.CodeTransientCommunication, format, args...)
}

func truncate(body []byte) string {
	const max = 256
	if len(body) > max {
		return fmt.Sprintf("%s...", body[:max])
	}
	return string(body)
}
