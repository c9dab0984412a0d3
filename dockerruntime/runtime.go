package dockerruntime

import (
	"context"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"

	"code.cloudfoundry.org/lager/v3"
	hostagent "github.com/BANADDA/host-agent"
	"github.com/docker/go-connections/nat"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/image"
	"github.com/moby/moby/client"
)

type Config struct {
	// Host is the docker daemon address; empty means the local environment
	// defaults.
	Host string

	OperationTimeout time.Duration
	StopGraceSeconds int
}

// Runtime implements hostagent.ContainerRuntime against the local docker
// daemon. Every daemon call carries a bounded context timeout.
type Runtime struct {
	client *client.Client
	config Config
	logger lager.Logger
}

func NewRuntime(logger lager.Logger, config Config) (*Runtime, error) {
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = time.Minute
	}
	if config.StopGraceSeconds <= 0 {
		config.StopGraceSeconds = 30
	}

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if config.Host != "" {
		opts = append(opts, client.WithHost(config.Host))
	} else {
		opts = append(opts, client.FromEnv)
	}

	dockerClient, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, hostagent.NewError(hostagent.CodeProvisioningFailure, "failed to create docker client: %s", err)
	}

	return &Runtime{
		client: dockerClient,
		config: config,
		logger: logger.Session("docker-runtime"),
	}, nil
}

func (r *Runtime) StartContainer(spec hostagent.ContainerSpec) (hostagent.ContainerInfo, error) {
	logger := r.logger.Session("start-container", lager.Data{"rental-id": spec.RentalID})

	ctx, cancel := r.operationContext()
	defer cancel()

	r.pullImage(ctx, logger, spec.Image)

	containerConfig := &container.Config{
		Image: spec.Image,
		Env:   buildEnv(spec),
	}

	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Resources: container.Resources{
			DeviceRequests: []container.DeviceRequest{
				{
					Driver:       "nvidia",
					DeviceIDs:    []string{spec.GPUID},
					Capabilities: [][]string{{"gpu"}},
				},
			},
		},
	}

	if len(spec.PortMappings) > 0 {
		containerConfig.ExposedPorts = map[nat.Port]struct{}{}
		hostConfig.PortBindings = nat.PortMap{}

		for containerPort, hostPort := range spec.PortMappings {
			port := nat.Port(containerPort + "/tcp")
			containerConfig.ExposedPorts[port] = struct{}{}
			// empty host port lets the daemon pick a free one
			hostConfig.PortBindings[port] = []nat.PortBinding{{HostPort: hostPort}}
		}
	}

	resp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		logger.Error("failed-creating-container", err)
		return hostagent.ContainerInfo{}, hostagent.NewError(hostagent.CodeProvisioningFailure, "create container: %s", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		logger.Error("failed-starting-container", err)
		r.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return hostagent.ContainerInfo{}, hostagent.NewError(hostagent.CodeProvisioningFailure, "start container: %s", err)
	}

	info := hostagent.ContainerInfo{ID: resp.ID}

	inspect, err := r.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		logger.Error("failed-inspecting-container", err)
	} else if inspect.NetworkSettings != nil {
		bindings := map[string]string{}
		for port, hostBindings := range inspect.NetworkSettings.Ports {
			if len(hostBindings) > 0 {
				bindings[port.Port()] = hostBindings[0].HostPort
			}
		}
		info.PortMappings = bindings
		info.SSHPort = bindings["22"]
	}

	logger.Info("started", lager.Data{"container-id": resp.ID})

	return info, nil
}

func (r *Runtime) StopContainer(containerID string) error {
	logger := r.logger.Session("stop-container", lager.Data{"container-id": containerID})

	ctx, cancel := r.operationContext()
	defer cancel()

	grace := r.config.StopGraceSeconds
	err := r.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &grace})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			logger.Debug("container-already-gone")
			return nil
		}
		logger.Error("failed-stopping-container", err)
		return hostagent.NewError(hostagent.CodeTerminationFailure, "stop container: %s", err)
	}

	logger.Info("stopped")
	return nil
}

func (r *Runtime) RemoveContainer(containerID string) error {
	ctx, cancel := r.operationContext()
	defer cancel()

	err := r.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return hostagent.NewError(hostagent.CodeTerminationFailure, "remove container: %s", err)
	}

	return nil
}

func (r *Runtime) ContainerRunning(containerID string) (bool, error) {
	ctx, cancel := r.operationContext()
	defer cancel()

	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, hostagent.NewError(hostagent.CodeTransientCommunication, "inspect container: %s", err)
	}

	return inspect.State != nil && inspect.State.Running, nil
}

// CheckReadiness passes once the container is running and, when the image
// defines a healthcheck, the daemon reports it healthy.
func (r *Runtime) CheckReadiness(containerID string) error {
	ctx, cancel := r.operationContext()
	defer cancel()

	inspect, err := r.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return hostagent.NewError(hostagent.CodeProvisioningFailure, "inspect container: %s", err)
	}

	if inspect.State == nil || !inspect.State.Running {
		return hostagent.NewError(hostagent.CodeProvisioningFailure, "container is not running")
	}

	if inspect.State.Health != nil && inspect.State.Health.Status != "healthy" {
		return hostagent.NewError(hostagent.CodeProvisioningFailure,
			"container health is %q", inspect.State.Health.Status)
	}

	return nil
}

func (r *Runtime) pullImage(ctx context.Context, logger lager.Logger, imageName string) {
	reader, err := r.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		// creation will fall back to a locally cached image
		logger.Debug("image-pull-failed", lager.Data{"image": imageName, "error": err.Error()})
		return
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
}

func (r *Runtime) operationContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.config.OperationTimeout)
}

func buildEnv(spec hostagent.ContainerSpec) []string {
	env := []string{
		"RENTAL_ID=" + spec.RentalID,
		"NVIDIA_VISIBLE_DEVICES=" + spec.GPUID,
	}

	switch spec.Auth.Type {
	case hostagent.AuthTypePassword:
		env = append(env, "SSH_PASSWORD="+spec.Auth.Credential)
	case hostagent.AuthTypeSSHKey:
		env = append(env, "SSH_AUTHORIZED_KEY="+spec.Auth.Credential)
	}

	for key, value := range spec.Env {
		env = append(env, key+"="+value)
	}

	return env
}
