package orchestrator

import (
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/workpool"
	hostagent "github.com/BANADDA/host-agent"
	"github.com/BANADDA/host-agent/guidgen"
	"github.com/BANADDA/host-agent/inventory"
	"github.com/BANADDA/host-agent/keyedlock"
	"github.com/BANADDA/host-agent/store"
	"github.com/hashicorp/go-multierror"
)

//go:generate counterfeiter -o fakes/fake_rental_store.go . RentalStore

// RentalStore is the durable record the orchestrator writes through. Every
// transition is persisted before its side effects become visible.
type RentalStore interface {
	CreateRental(logger lager.Logger, rental hostagent.Rental) error
	TransitionRental(logger lager.Logger, rentalID string, from, to hostagent.RentalState, update store.RentalUpdate) (hostagent.Rental, error)
	LookupRental(logger lager.Logger, rentalID string) (hostagent.Rental, error)
	ActiveRentals(logger lager.Logger) ([]hostagent.Rental, error)
}

type Config struct {
	HostID            string
	PublicHost        string
	StartRetries      int
	StopRetries       int
	RetryBackoff      time.Duration
	ReadinessTimeout  time.Duration
	ReadinessInterval time.Duration
}

// Orchestrator is the single serialized authority over rental and GPU state.
// All mutation passes through Provision, Terminate, or Reconcile; each takes
// the per-rental lock so two operations on the same rental never interleave.
type Orchestrator struct {
	inventory     *inventory.Tracker
	rentals       RentalStore
	runtime       hostagent.ContainerRuntime
	emitter       hostagent.EventEmitter
	lockManager   keyedlock.LockManager
	workPool      *workpool.WorkPool
	clock         clock.Clock
	guidGenerator guidgen.Generator
	logger        lager.Logger
	config        Config
}

func New(
	logger lager.Logger,
	config Config,
	tracker *inventory.Tracker,
	rentals RentalStore,
	runtime hostagent.ContainerRuntime,
	emitter hostagent.EventEmitter,
	workPool *workpool.WorkPool,
	clk clock.Clock,
	guidGenerator guidgen.Generator,
) *Orchestrator {
	if config.StartRetries <= 0 {
		config.StartRetries = 3
	}
	if config.StopRetries <= 0 {
		config.StopRetries = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = time.Second
	}
	if config.ReadinessInterval <= 0 {
		config.ReadinessInterval = time.Second
	}
	if config.ReadinessTimeout <= 0 {
		config.ReadinessTimeout = time.Minute
	}

	return &Orchestrator{
		inventory:     tracker,
		rentals:       rentals,
		runtime:       runtime,
		emitter:       emitter,
		lockManager:   keyedlock.NewLockManager(),
		workPool:      workPool,
		clock:         clk,
		guidGenerator: guidGenerator,
		logger:        logger.Session("orchestrator"),
		config:        config,
	}
}

// Provision runs a rental from request to ready (or failed). It has no
// mid-flight cancellation; it always reaches one of its terminal outcomes.
func (o *Orchestrator) Provision(request hostagent.ProvisionRequest) (hostagent.ProvisionResponse, error) {
	logger := o.logger.Session("provision", lager.Data{"gpu-type": request.GPUType})

	if err := request.Validate(); err != nil {
		logger.Error("invalid-provision-request", err)
		return failureResponse("", err), err
	}

	rentalID := o.guidGenerator.Guid(logger)
	logger = logger.WithData(lager.Data{"rental-id": rentalID})

	o.lockManager.Lock(logger, rentalID)
	defer o.lockManager.Unlock(logger, rentalID)

	gpu, err := o.allocateGPU(logger, request.GPUType, rentalID)
	if err != nil {
		logger.Error("no-gpu-available", err)
		return failureResponse(rentalID, err), err
	}

	rental := hostagent.Rental{
		ID:           rentalID,
		GPUType:      request.GPUType,
		GPUID:        gpu.ID,
		State:        hostagent.RentalStateCreating,
		Image:        request.OSImage,
		InstanceName: request.InstanceName,
		Auth: hostagent.AuthConfig{
			Type:       request.AuthType,
			Credential: request.Credential,
		},
		PortMappings: request.PortMappings,
		Env:          request.Env,
		CreatedAt:    o.clock.Now(),
		Duration:     request.Duration(),
	}

	// Fail closed: nothing else happens unless the creating row is durable.
	err = o.rentals.CreateRental(logger, rental)
	if err != nil {
		logger.Error("failed-persisting-rental", err)
		o.inventory.Release(logger, gpu.ID)
		return failureResponse(rentalID, err), err
	}

	o.emit(rental, "provisioning started", nil)

	info, err := o.startContainer(logger, rental, gpu)
	if err != nil {
		failErr := hostagent.NewError(hostagent.CodeProvisioningFailure, "container start failed: %s", err)
		o.failProvisioning(logger, rental, hostagent.RentalStateCreating, failErr.Message)
		return failureResponse(rentalID, failErr), failErr
	}

	expiresAt := o.clock.Now().Add(rental.Duration)
	running, err := o.rentals.TransitionRental(logger, rentalID,
		hostagent.RentalStateCreating, hostagent.RentalStateRunning,
		store.RentalUpdate{
			ContainerID:  &info.ID,
			PortMappings: mergedPorts(rental.PortMappings, info.PortMappings),
			ExpiresAt:    &expiresAt,
		})
	if err != nil {
		logger.Error("failed-persisting-running-state", err)
		o.stopAndRemove(logger, info.ID)
		o.failProvisioning(logger, rental, hostagent.RentalStateCreating, "failed to record running state")
		return failureResponse(rentalID, err), err
	}
	rental = running

	o.emit(rental, "container started", nil)

	err = o.awaitReadiness(logger, info.ID)
	if err != nil {
		failErr := hostagent.NewError(hostagent.CodeProvisioningFailure, "readiness check failed: %s", err)
		o.stopAndRemove(logger, info.ID)
		o.failProvisioning(logger, rental, hostagent.RentalStateRunning, failErr.Message)
		return failureResponse(rentalID, failErr), failErr
	}

	connectionInfo := o.connectionInfo(rental, info)

	ready, err := o.rentals.TransitionRental(logger, rentalID,
		hostagent.RentalStateRunning, hostagent.RentalStateReady, store.RentalUpdate{})
	if err != nil {
		logger.Error("failed-persisting-ready-state", err)
		o.stopAndRemove(logger, info.ID)
		o.failProvisioning(logger, rental, hostagent.RentalStateRunning, "failed to record ready state")
		return failureResponse(rentalID, err), err
	}
	rental = ready

	o.emit(rental, "rental is ready", connectionInfo)

	logger.Info("provisioned", lager.Data{"gpu-id": gpu.ID, "container-id": info.ID})

	return hostagent.ProvisionResponse{
		Success:     true,
		Message:     "rental is ready",
		RentalID:    rentalID,
		ContainerID: info.ID,
		SSHPort:     connectionInfo.SSHPort,
	}, nil
}

// Terminate is idempotent: calls against a rental that is already
// terminating or terminal succeed without further side effect.
func (o *Orchestrator) Terminate(rentalID, reason string) (hostagent.TerminateResponse, error) {
	logger := o.logger.Session("terminate", lager.Data{"rental-id": rentalID, "reason": reason})

	o.lockManager.Lock(logger, rentalID)
	defer o.lockManager.Unlock(logger, rentalID)

	rental, err := o.rentals.LookupRental(logger, rentalID)
	if err != nil {
		logger.Error("rental-not-found", err)
		return hostagent.TerminateResponse{Success: false, Message: "rental not found"}, err
	}

	switch rental.State {
	case hostagent.RentalStateTerminating, hostagent.RentalStateTerminated, hostagent.RentalStateFailed:
		logger.Debug("rental-already-terminated", lager.Data{"state": rental.State})
		return hostagent.TerminateResponse{Success: true, Message: "rental already terminated"}, nil
	case hostagent.RentalStateRunning, hostagent.RentalStateReady:
	default:
		err := hostagent.NewError(hostagent.CodeInvalidTransition, "rental is still provisioning")
		logger.Error("rental-not-terminatable", err, lager.Data{"state": rental.State})
		return hostagent.TerminateResponse{Success: false, Message: err.Message}, err
	}

	if reason == "expired" {
		expired := rental.Copy()
		expired.State = hostagent.RentalStateExpired
		o.emit(expired, "rental duration elapsed", nil)
	}

	rental, err = o.rentals.TransitionRental(logger, rentalID,
		rental.State, hostagent.RentalStateTerminating, store.RentalUpdate{})
	if err != nil {
		if err == hostagent.ErrInvalidTransition {
			// lost the race to a concurrent terminate
			logger.Debug("rental-already-terminating")
			return hostagent.TerminateResponse{Success: true, Message: "rental already terminated"}, nil
		}
		logger.Error("failed-persisting-terminating-state", err)
		return hostagent.TerminateResponse{Success: false, Message: err.Error()}, err
	}

	o.emit(rental, "terminating: "+reason, nil)

	gpuID := rental.GPUID
	stopErr := o.stopContainer(logger, rental.ContainerID)

	// The GPU is released on both paths; a host-side resource leak must
	// never persist indefinitely.
	terminatedAt := o.clock.Now()
	if stopErr != nil {
		failErr := hostagent.NewError(hostagent.CodeTerminationFailure, "container stop failed: %s", stopErr)
		logger.Error("failed-stopping-container", stopErr)

		reasonText := failErr.Message
		failed, err := o.rentals.TransitionRental(logger, rentalID,
			hostagent.RentalStateTerminating, hostagent.RentalStateFailed,
			store.RentalUpdate{TerminatedAt: &terminatedAt, FailureReason: &reasonText})
		if err != nil {
			logger.Error("failed-persisting-failed-state", err)
		} else {
			rental = failed
		}

		o.inventory.Release(logger, gpuID)
		o.emit(rental, failErr.Message, nil)

		return hostagent.TerminateResponse{Success: false, Message: failErr.Message}, failErr
	}

	terminated, err := o.rentals.TransitionRental(logger, rentalID,
		hostagent.RentalStateTerminating, hostagent.RentalStateTerminated,
		store.RentalUpdate{TerminatedAt: &terminatedAt})
	if err != nil {
		logger.Error("failed-persisting-terminated-state", err)
		o.inventory.Release(logger, gpuID)
		return hostagent.TerminateResponse{Success: false, Message: err.Error()}, err
	}
	rental = terminated

	o.inventory.Release(logger, gpuID)
	o.emit(rental, "terminated: "+reason, nil)

	logger.Info("terminated")

	return hostagent.TerminateResponse{Success: true, Message: "rental terminated"}, nil
}

// Reconcile runs once at startup. It resolves every non-terminal rental
// against runtime ground truth and rebuilds the in-memory GPU ownership map,
// so no rental remains stuck in a transient state after a crash.
func (o *Orchestrator) Reconcile() error {
	logger := o.logger.Session("reconcile")
	logger.Info("starting")

	rentals, err := o.rentals.ActiveRentals(logger)
	if err != nil {
		logger.Error("failed-listing-active-rentals", err)
		return err
	}

	var reconcileErr *multierror.Error

	for _, rental := range rentals {
		if err := o.reconcileRental(logger, rental); err != nil {
			reconcileErr = multierror.Append(reconcileErr, err)
		}
	}

	logger.Info("complete", lager.Data{"num-rentals": len(rentals)})

	return reconcileErr.ErrorOrNil()
}

func (o *Orchestrator) reconcileRental(logger lager.Logger, rental hostagent.Rental) error {
	logger = logger.WithData(lager.Data{"rental-id": rental.ID, "state": rental.State})

	o.lockManager.Lock(logger, rental.ID)
	defer o.lockManager.Unlock(logger, rental.ID)

	running := false
	if rental.ContainerID != "" {
		var err error
		running, err = o.runtime.ContainerRunning(rental.ContainerID)
		if err != nil {
			logger.Error("failed-querying-container", err)
			running = false
		}
	}

	if !running {
		logger.Info("container-missing-marking-failed")
		reason := "container not found at startup reconciliation"
		terminatedAt := o.clock.Now()

		failed, err := o.rentals.TransitionRental(logger, rental.ID,
			rental.State, hostagent.RentalStateFailed,
			store.RentalUpdate{TerminatedAt: &terminatedAt, FailureReason: &reason})
		if err != nil {
			logger.Error("failed-persisting-failed-state", err)
			return err
		}

		o.inventory.Release(logger, rental.GPUID)
		o.emit(failed, reason, nil)
		return nil
	}

	// Container confirmed live: reclaim its GPU in the inventory.
	err := o.inventory.Allocate(logger, rental.GPUID, rental.ID)
	if err != nil && err != hostagent.ErrGPUAlreadyAllocated {
		logger.Error("failed-reclaiming-gpu", err)
	}

	if rental.State == hostagent.RentalStateCreating {
		logger.Info("promoting-recovered-rental")
		expiresAt := o.clock.Now().Add(rental.Duration)
		promoted, err := o.rentals.TransitionRental(logger, rental.ID,
			hostagent.RentalStateCreating, hostagent.RentalStateRunning,
			store.RentalUpdate{ExpiresAt: &expiresAt})
		if err != nil {
			logger.Error("failed-promoting-rental", err)
			return err
		}
		o.emit(promoted, "container confirmed running after restart", nil)
		return nil
	}

	if rental.State == hostagent.RentalStateTerminating {
		// a terminate was interrupted mid-flight; finish it
		logger.Info("resuming-interrupted-termination")
		return o.finishTermination(logger, rental)
	}

	logger.Debug("rental-confirmed-running")
	return nil
}

// finishTermination completes a terminating rental whose stop never ran to
// completion. The caller holds the rental's lock.
func (o *Orchestrator) finishTermination(logger lager.Logger, rental hostagent.Rental) error {
	stopErr := o.stopContainer(logger, rental.ContainerID)

	terminatedAt := o.clock.Now()
	if stopErr != nil {
		failErr := hostagent.NewError(hostagent.CodeTerminationFailure, "container stop failed: %s", stopErr)
		logger.Error("failed-stopping-container", stopErr)

		reason := failErr.Message
		failed, err := o.rentals.TransitionRental(logger, rental.ID,
			hostagent.RentalStateTerminating, hostagent.RentalStateFailed,
			store.RentalUpdate{TerminatedAt: &terminatedAt, FailureReason: &reason})
		if err != nil {
			logger.Error("failed-persisting-failed-state", err)
		} else {
			rental = failed
		}

		o.inventory.Release(logger, rental.GPUID)
		o.emit(rental, failErr.Message, nil)
		return failErr
	}

	terminated, err := o.rentals.TransitionRental(logger, rental.ID,
		hostagent.RentalStateTerminating, hostagent.RentalStateTerminated,
		store.RentalUpdate{TerminatedAt: &terminatedAt})
	if err != nil {
		logger.Error("failed-persisting-terminated-state", err)
		o.inventory.Release(logger, rental.GPUID)
		return err
	}

	o.inventory.Release(logger, rental.GPUID)
	o.emit(terminated, "terminated: resumed after restart", nil)
	return nil
}

func (o *Orchestrator) allocateGPU(logger lager.Logger, gpuType, rentalID string) (hostagent.GPU, error) {
	for {
		free := o.inventory.ListFree(gpuType)
		if len(free) == 0 {
			return hostagent.GPU{}, hostagent.ErrNoMatchingGPU
		}

		gpu := free[0]
		err := o.inventory.Allocate(logger, gpu.ID, rentalID)
		if err == hostagent.ErrGPUAlreadyAllocated {
			continue
		}
		if err != nil {
			return hostagent.GPU{}, err
		}

		gpu.Status = hostagent.GPUStatusAllocated
		gpu.RentalID = rentalID
		return gpu, nil
	}
}

func (o *Orchestrator) startContainer(logger lager.Logger, rental hostagent.Rental, gpu hostagent.GPU) (hostagent.ContainerInfo, error) {
	spec := hostagent.ContainerSpec{
		RentalID:     rental.ID,
		Name:         containerName(rental),
		Image:        rental.Image,
		GPUID:        gpu.ID,
		Env:          rental.Env,
		PortMappings: rental.PortMappings,
		Auth:         rental.Auth,
	}

	var info hostagent.ContainerInfo
	err := o.withRetries(logger.Session("start-container"), o.config.StartRetries, func() error {
		var startErr error
		info, startErr = o.throttled(func() (hostagent.ContainerInfo, error) {
			return o.runtime.StartContainer(spec)
		})
		return startErr
	})

	return info, err
}

func (o *Orchestrator) stopContainer(logger lager.Logger, containerID string) error {
	if containerID == "" {
		return nil
	}

	return o.withRetries(logger.Session("stop-container"), o.config.StopRetries, func() error {
		_, err := o.throttled(func() (hostagent.ContainerInfo, error) {
			return hostagent.ContainerInfo{}, o.runtime.StopContainer(containerID)
		})
		if err != nil {
			return err
		}

		if removeErr := o.runtime.RemoveContainer(containerID); removeErr != nil {
			logger.Error("failed-removing-container", removeErr)
		}
		return nil
	})
}

func (o *Orchestrator) stopAndRemove(logger lager.Logger, containerID string) {
	if err := o.stopContainer(logger, containerID); err != nil {
		logger.Error("failed-cleaning-up-container", err)
	}
}

// failProvisioning is the compensating path: release the GPU, record failed,
// emit the failure event.
func (o *Orchestrator) failProvisioning(logger lager.Logger, rental hostagent.Rental, from hostagent.RentalState, reason string) {
	terminatedAt := o.clock.Now()

	failed, err := o.rentals.TransitionRental(logger, rental.ID, from, hostagent.RentalStateFailed,
		store.RentalUpdate{TerminatedAt: &terminatedAt, FailureReason: &reason})
	if err != nil {
		logger.Error("failed-persisting-failed-state", err)
		failed = rental
		failed.State = hostagent.RentalStateFailed
		failed.FailureReason = reason
	}

	o.inventory.Release(logger, rental.GPUID)
	o.emit(failed, reason, nil)
}

func (o *Orchestrator) awaitReadiness(logger lager.Logger, containerID string) error {
	logger = logger.Session("await-readiness")

	timeout := o.clock.NewTimer(o.config.ReadinessTimeout)
	defer timeout.Stop()

	ticker := o.clock.NewTicker(o.config.ReadinessInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		lastErr = o.runtime.CheckReadiness(containerID)
		if lastErr == nil {
			logger.Debug("ready")
			return nil
		}

		select {
		case <-timeout.C():
			logger.Error("timed-out", lastErr)
			return lastErr
		case <-ticker.C():
		}
	}
}

func (o *Orchestrator) withRetries(logger lager.Logger, attempts int, op func() error) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			o.clock.Sleep(o.config.RetryBackoff * time.Duration(1<<uint(attempt-2)))
		}

		err = op()
		if err == nil {
			return nil
		}

		logger.Error("attempt-failed", err, lager.Data{"attempt": attempt})
	}
	return err
}

// throttled bounds the number of in-flight container runtime operations.
func (o *Orchestrator) throttled(op func() (hostagent.ContainerInfo, error)) (hostagent.ContainerInfo, error) {
	if o.workPool == nil {
		return op()
	}

	type result struct {
		info hostagent.ContainerInfo
		err  error
	}

	done := make(chan result, 1)
	o.workPool.Submit(func() {
		info, err := op()
		done <- result{info: info, err: err}
	})

	res := <-done
	return res.info, res.err
}

func (o *Orchestrator) connectionInfo(rental hostagent.Rental, info hostagent.ContainerInfo) *hostagent.ConnectionInfo {
	sshPort := info.SSHPort
	if sshPort == "" {
		sshPort = info.PortMappings["22"]
	}

	return &hostagent.ConnectionInfo{
		Host:         o.config.PublicHost,
		SSHPort:      sshPort,
		AuthType:     rental.Auth.Type,
		Credential:   rental.Auth.Credential,
		PortMappings: mergedPorts(rental.PortMappings, info.PortMappings),
	}
}

func (o *Orchestrator) emit(rental hostagent.Rental, message string, connectionInfo *hostagent.ConnectionInfo) {
	event := hostagent.StatusEvent{
		RentalID:       rental.ID,
		State:          rental.State,
		Message:        message,
		ContainerID:    rental.ContainerID,
		ConnectionInfo: connectionInfo,
		Timestamp:      o.clock.Now(),
	}

	if rental.GPUID != "" {
		if gpu, err := o.inventory.Lookup(rental.GPUID); err == nil {
			event.GPUInfo = &gpu
		}
	}

	o.emitter.Emit(event)
}

func containerName(rental hostagent.Rental) string {
	if rental.InstanceName != "" {
		return "rental-" + rental.InstanceName + "-" + rental.ID
	}
	return "rental-" + rental.ID
}

func mergedPorts(requested, actual map[string]string) map[string]string {
	if len(actual) == 0 {
		return requested
	}
	merged := make(map[string]string, len(requested)+len(actual))
	for k, v := range requested {
		merged[k] = v
	}
	for k, v := range actual {
		merged[k] = v
	}
	return merged
}

func failureResponse(rentalID string, err error) hostagent.ProvisionResponse {
	message := err.Error()
	if agentErr, ok := err.(*hostagent.Error); ok {
		message = agentErr.Message
	}
	return hostagent.ProvisionResponse{
		Success:  false,
		Message:  message,
		RentalID: rentalID,
	}
}
