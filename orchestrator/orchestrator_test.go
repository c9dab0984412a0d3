package orchestrator_test

import (
	"errors"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"code.cloudfoundry.org/lager/v3"
	"code.cloudfoundry.org/lager/v3/lagertest"
	hostagent "github.com/BANADDA/host-agent"
	"github.com/BANADDA/host-agent/fakes"
	"github.com/BANADDA/host-agent/inventory"
	"github.com/BANADDA/host-agent/orchestrator"
	storefakes "github.com/BANADDA/host-agent/orchestrator/fakes"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type staticGuidGenerator struct {
	guid string
}

func (g staticGuidGenerator) Guid(lager.Logger) string {
	return g.guid
}

var _ = Describe("Orchestrator", func() {
	var (
		logger      *lagertest.TestLogger
		fakeClock   *fakeclock.FakeClock
		tracker     *inventory.Tracker
		rentalStore *storefakes.FakeRentalStore
		runtime     *fakes.FakeContainerRuntime
		emitter     *fakes.FakeEventEmitter
		orch        *orchestrator.Orchestrator

		request hostagent.ProvisionRequest
	)

	eventStates := func() []hostagent.RentalState {
		states := []hostagent.RentalState{}
		for _, event := range emitter.Events() {
			states = append(states, event.State)
		}
		return states
	}

	gpuStatus := func(gpuID string) hostagent.GPUStatus {
		gpu, err := tracker.Lookup(gpuID)
		Expect(err).NotTo(HaveOccurred())
		return gpu.Status
	}

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("test")
		fakeClock = fakeclock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
		tracker = inventory.NewTracker([]hostagent.GPU{
			{ID: "gpu-a", Model: "RTX 4090"},
			{ID: "gpu-b", Model: "RTX 4090"},
		})
		rentalStore = storefakes.NewFakeRentalStore()
		runtime = fakes.NewFakeContainerRuntime()
		emitter = fakes.NewFakeEventEmitter()

		orch = orchestrator.New(
			logger,
			orchestrator.Config{
				HostID:       "host-1",
				PublicHost:   "203.0.113.7",
				StartRetries: 1,
				StopRetries:  1,
			},
			tracker,
			rentalStore,
			runtime,
			emitter,
			nil,
			fakeClock,
			staticGuidGenerator{guid: "rental-1"},
		)

		request = hostagent.ProvisionRequest{
			GPUType:       "RTX 4090",
			OSImage:       "ubuntu:22.04",
			DurationHours: 2,
			AuthType:      hostagent.AuthTypePassword,
			Credential:    "s3cret",
			PortMappings:  map[string]string{"8888": "48888"},
		}
	})

	Describe("Provision", func() {
		Context("when everything goes well", func() {
			BeforeEach(func() {
				runtime.StartContainerStub = func(spec hostagent.ContainerSpec) (hostagent.ContainerInfo, error) {
					return hostagent.ContainerInfo{
						ID:           "container-1",
						SSHPort:      "40022",
						PortMappings: map[string]string{"22": "40022"},
					}, nil
				}
			})

			It("drives the rental to ready", func() {
				response, err := orch.Provision(request)
				Expect(err).NotTo(HaveOccurred())
				Expect(response.Success).To(BeTrue())
				Expect(response.RentalID).To(Equal("rental-1"))
				Expect(response.ContainerID).To(Equal("container-1"))
				Expect(response.SSHPort).To(Equal("40022"))

				rental, found := rentalStore.Rental("rental-1")
				Expect(found).To(BeTrue())
				Expect(rental.State).To(Equal(hostagent.RentalStateReady))
				Expect(rental.ContainerID).To(Equal("container-1"))
				Expect(rental.ExpiresAt.Equal(fakeClock.Now().Add(2 * time.Hour))).To(BeTrue())
			})

			It("allocates the lowest-id matching GPU", func() {
				_, err := orch.Provision(request)
				Expect(err).NotTo(HaveOccurred())

				Expect(gpuStatus("gpu-a")).To(Equal(hostagent.GPUStatusAllocated))
				Expect(gpuStatus("gpu-b")).To(Equal(hostagent.GPUStatusFree))

				spec := runtime.StartContainerArgsForCall(0)
				Expect(spec.GPUID).To(Equal("gpu-a"))
				Expect(spec.Name).To(Equal("rental-rental-1"))
				Expect(spec.Image).To(Equal("ubuntu:22.04"))
			})

			It("emits creating, running, then ready", func() {
				_, err := orch.Provision(request)
				Expect(err).NotTo(HaveOccurred())

				Expect(eventStates()).To(Equal([]hostagent.RentalState{
					hostagent.RentalStateCreating,
					hostagent.RentalStateRunning,
					hostagent.RentalStateReady,
				}))
			})

			It("echoes connection details in the ready event", func() {
				_, err := orch.Provision(request)
				Expect(err).NotTo(HaveOccurred())

				ready := emitter.EmitArgsForCall(2)
				Expect(ready.ConnectionInfo).NotTo(BeNil())
				Expect(ready.ConnectionInfo.Host).To(Equal("203.0.113.7"))
				Expect(ready.ConnectionInfo.SSHPort).To(Equal("40022"))
				Expect(ready.ConnectionInfo.AuthType).To(Equal(hostagent.AuthTypePassword))
				Expect(ready.ConnectionInfo.Credential).To(Equal("s3cret"))
				Expect(ready.ConnectionInfo.PortMappings).To(HaveKeyWithValue("8888", "48888"))
				Expect(ready.ConnectionInfo.PortMappings).To(HaveKeyWithValue("22", "40022"))
				Expect(ready.GPUInfo).NotTo(BeNil())
				Expect(ready.GPUInfo.ID).To(Equal("gpu-a"))
			})
		})

		Context("when the request is malformed", func() {
			It("fails without any side effect", func() {
				request.Credential = ""

				response, err := orch.Provision(request)
				Expect(err).To(HaveOccurred())
				Expect(hostagent.CodeOf(err)).To(Equal(hostagent.CodeValidation))
				Expect(response.Success).To(BeFalse())

				Expect(runtime.StartContainerCallCount()).To(BeZero())
				Expect(emitter.EmitCallCount()).To(BeZero())
				Expect(gpuStatus("gpu-a")).To(Equal(hostagent.GPUStatusFree))
			})
		})

		Context("when no GPU of the requested type is free", func() {
			BeforeEach(func() {
				Expect(tracker.Allocate(logger, "gpu-a", "other-rental")).To(Succeed())
				Expect(tracker.Allocate(logger, "gpu-b", "other-rental")).To(Succeed())
			})

			It("fails without touching the runtime or store", func() {
				response, err := orch.Provision(request)
				Expect(err).To(Equal(hostagent.ErrNoMatchingGPU))
				Expect(response.Success).To(BeFalse())

				_, found := rentalStore.Rental("rental-1")
				Expect(found).To(BeFalse())
				Expect(runtime.StartContainerCallCount()).To(BeZero())
				Expect(emitter.EmitCallCount()).To(BeZero())
			})
		})

		Context("when persisting the rental fails", func() {
			BeforeEach(func() {
				rentalStore.CreateRentalStub = func(hostagent.Rental) error {
					return hostagent.NewError(hostagent.CodePersistence, "disk full")
				}
			})

			It("releases the GPU and starts nothing", func() {
				response, err := orch.Provision(request)
				Expect(err).To(HaveOccurred())
				Expect(hostagent.CodeOf(err)).To(Equal(hostagent.CodePersistence))
				Expect(response.Success).To(BeFalse())

				Expect(gpuStatus("gpu-a")).To(Equal(hostagent.GPUStatusFree))
				Expect(runtime.StartContainerCallCount()).To(BeZero())
			})
		})

		Context("when the container fails to start", func() {
			BeforeEach(func() {
				runtime.StartContainerStub = func(hostagent.ContainerSpec) (hostagent.ContainerInfo, error) {
					return hostagent.ContainerInfo{}, errors.New("image pull failed")
				}
			})

			It("marks the rental failed and frees the GPU", func() {
				response, err := orch.Provision(request)
				Expect(err).To(HaveOccurred())
				Expect(hostagent.CodeOf(err)).To(Equal(hostagent.CodeProvisioningFailure))
				Expect(response.Success).To(BeFalse())

				rental, found := rentalStore.Rental("rental-1")
				Expect(found).To(BeTrue())
				Expect(rental.State).To(Equal(hostagent.RentalStateFailed))
				Expect(rental.FailureReason).To(ContainSubstring("container start failed"))

				Expect(gpuStatus("gpu-a")).To(Equal(hostagent.GPUStatusFree))

				states := eventStates()
				Expect(states[len(states)-1]).To(Equal(hostagent.RentalStateFailed))
			})
		})

		Context("when the readiness check never passes", func() {
			BeforeEach(func() {
				runtime.CheckReadinessStub = func(string) error {
					return errors.New("no healthcheck yet")
				}
			})

			It("tears the container down and marks the rental failed", func() {
				type provisionResult struct {
					response hostagent.ProvisionResponse
					err      error
				}
				results := make(chan provisionResult, 1)

				go func() {
					response, err := orch.Provision(request)
					results <- provisionResult{response: response, err: err}
				}()

				// readiness timer plus poll ticker
				Eventually(fakeClock.WatcherCount).Should(BeNumerically(">=", 2))
				fakeClock.Increment(time.Minute)

				var result provisionResult
				Eventually(results).Should(Receive(&result))
				Expect(result.err).To(HaveOccurred())
				Expect(hostagent.CodeOf(result.err)).To(Equal(hostagent.CodeProvisioningFailure))

				rental, found := rentalStore.Rental("rental-1")
				Expect(found).To(BeTrue())
				Expect(rental.State).To(Equal(hostagent.RentalStateFailed))
				Expect(runtime.StopContainerCallCount()).To(Equal(1))
				Expect(gpuStatus("gpu-a")).To(Equal(hostagent.GPUStatusFree))
			})
		})
	})

	Describe("Terminate", func() {
		Context("with a ready rental", func() {
			BeforeEach(func() {
				rentalStore.SeedRental(hostagent.Rental{
					ID:          "rental-1",
					GPUType:     "RTX 4090",
					GPUID:       "gpu-a",
					ContainerID: "container-1",
					State:       hostagent.RentalStateReady,
					CreatedAt:   fakeClock.Now(),
					Duration:    2 * time.Hour,
					ExpiresAt:   fakeClock.Now().Add(2 * time.Hour),
				})
				Expect(tracker.Allocate(logger, "gpu-a", "rental-1")).To(Succeed())
			})

			It("stops the container, frees the GPU, and records terminated", func() {
				response, err := orch.Terminate("rental-1", "tenant request")
				Expect(err).NotTo(HaveOccurred())
				Expect(response.Success).To(BeTrue())

				Expect(runtime.StopContainerCallCount()).To(Equal(1))
				Expect(runtime.StopContainerArgsForCall(0)).To(Equal("container-1"))
				Expect(runtime.RemoveContainerCallCount()).To(Equal(1))

				rental, _ := rentalStore.Rental("rental-1")
				Expect(rental.State).To(Equal(hostagent.RentalStateTerminated))
				Expect(rental.TerminatedAt.Equal(fakeClock.Now())).To(BeTrue())

				Expect(gpuStatus("gpu-a")).To(Equal(hostagent.GPUStatusFree))
			})

			It("is idempotent: repeated calls stop the container exactly once", func() {
				for i := 0; i < 3; i++ {
					response, err := orch.Terminate("rental-1", "tenant request")
					Expect(err).NotTo(HaveOccurred())
					Expect(response.Success).To(BeTrue())
				}

				Expect(runtime.StopContainerCallCount()).To(Equal(1))
			})

			It("emits terminating then terminated", func() {
				_, err := orch.Terminate("rental-1", "tenant request")
				Expect(err).NotTo(HaveOccurred())

				Expect(eventStates()).To(Equal([]hostagent.RentalState{
					hostagent.RentalStateTerminating,
					hostagent.RentalStateTerminated,
				}))
			})

			Context("when the reason is expiry", func() {
				It("emits an expired marker before terminating", func() {
					_, err := orch.Terminate("rental-1", "expired")
					Expect(err).NotTo(HaveOccurred())

					Expect(eventStates()).To(Equal([]hostagent.RentalState{
						hostagent.RentalStateExpired,
						hostagent.RentalStateTerminating,
						hostagent.RentalStateTerminated,
					}))
				})

				It("leaves the durable record terminated, not expired", func() {
					_, err := orch.Terminate("rental-1", "expired")
					Expect(err).NotTo(HaveOccurred())

					rental, _ := rentalStore.Rental("rental-1")
					Expect(rental.State).To(Equal(hostagent.RentalStateTerminated))
				})
			})

			Context("when stopping the container fails", func() {
				BeforeEach(func() {
					runtime.StopContainerStub = func(string) error {
						return errors.New("daemon unreachable")
					}
				})

				It("records failed but still frees the GPU", func() {
					response, err := orch.Terminate("rental-1", "tenant request")
					Expect(err).To(HaveOccurred())
					Expect(hostagent.CodeOf(err)).To(Equal(hostagent.CodeTerminationFailure))
					Expect(response.Success).To(BeFalse())

					rental, _ := rentalStore.Rental("rental-1")
					Expect(rental.State).To(Equal(hostagent.RentalStateFailed))

					Expect(gpuStatus("gpu-a")).To(Equal(hostagent.GPUStatusFree))
				})
			})
		})

		Context("with a rental that is still provisioning", func() {
			BeforeEach(func() {
				rentalStore.SeedRental(hostagent.Rental{
					ID:    "rental-1",
					State: hostagent.RentalStateCreating,
				})
			})

			It("refuses", func() {
				response, err := orch.Terminate("rental-1", "tenant request")
				Expect(err).To(HaveOccurred())
				Expect(hostagent.CodeOf(err)).To(Equal(hostagent.CodeInvalidTransition))
				Expect(response.Success).To(BeFalse())
				Expect(runtime.StopContainerCallCount()).To(BeZero())
			})
		})

		Context("with an already terminated rental", func() {
			BeforeEach(func() {
				rentalStore.SeedRental(hostagent.Rental{
					ID:    "rental-1",
					State: hostagent.RentalStateTerminated,
				})
			})

			It("succeeds without side effect", func() {
				response, err := orch.Terminate("rental-1", "tenant request")
				Expect(err).NotTo(HaveOccurred())
				Expect(response.Success).To(BeTrue())
				Expect(runtime.StopContainerCallCount()).To(BeZero())
				Expect(emitter.EmitCallCount()).To(BeZero())
			})
		})

		Context("with an unknown rental", func() {
			It("errors", func() {
				response, err := orch.Terminate("missing", "tenant request")
				Expect(err).To(Equal(hostagent.ErrRentalNotFound))
				Expect(response.Success).To(BeFalse())
			})
		})
	})

	Describe("Reconcile", func() {
		Context("when a recorded container is still running", func() {
			BeforeEach(func() {
				rentalStore.SeedRental(hostagent.Rental{
					ID:          "rental-1",
					GPUType:     "RTX 4090",
					GPUID:       "gpu-a",
					ContainerID: "container-1",
					State:       hostagent.RentalStateReady,
					Duration:    2 * time.Hour,
					ExpiresAt:   fakeClock.Now().Add(time.Hour),
				})
				runtime.ContainerRunningStub = func(string) (bool, error) { return true, nil }
			})

			It("reclaims the GPU", func() {
				Expect(orch.Reconcile()).To(Succeed())

				gpu, err := tracker.Lookup("gpu-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(gpu.Status).To(Equal(hostagent.GPUStatusAllocated))
				Expect(gpu.RentalID).To(Equal("rental-1"))
			})
		})

		Context("when a creating rental's container survived the crash", func() {
			BeforeEach(func() {
				rentalStore.SeedRental(hostagent.Rental{
					ID:          "rental-1",
					GPUType:     "RTX 4090",
					GPUID:       "gpu-a",
					ContainerID: "container-1",
					State:       hostagent.RentalStateCreating,
					Duration:    2 * time.Hour,
				})
				runtime.ContainerRunningStub = func(string) (bool, error) { return true, nil }
			})

			It("promotes it to running with a fresh expiry", func() {
				Expect(orch.Reconcile()).To(Succeed())

				rental, _ := rentalStore.Rental("rental-1")
				Expect(rental.State).To(Equal(hostagent.RentalStateRunning))
				Expect(rental.ExpiresAt.Equal(fakeClock.Now().Add(2 * time.Hour))).To(BeTrue())
			})
		})

		Context("when the container is gone", func() {
			BeforeEach(func() {
				rentalStore.SeedRental(hostagent.Rental{
					ID:          "rental-1",
					GPUType:     "RTX 4090",
					GPUID:       "gpu-a",
					ContainerID: "container-1",
					State:       hostagent.RentalStateRunning,
					Duration:    2 * time.Hour,
				})
				Expect(tracker.Allocate(logger, "gpu-a", "rental-1")).To(Succeed())
				runtime.ContainerRunningStub = func(string) (bool, error) { return false, nil }
			})

			It("marks the rental failed and frees the GPU", func() {
				Expect(orch.Reconcile()).To(Succeed())

				rental, _ := rentalStore.Rental("rental-1")
				Expect(rental.State).To(Equal(hostagent.RentalStateFailed))
				Expect(rental.FailureReason).To(ContainSubstring("not found at startup"))

				Expect(gpuStatus("gpu-a")).To(Equal(hostagent.GPUStatusFree))

				states := eventStates()
				Expect(states).To(ConsistOf(hostagent.RentalStateFailed))
			})
		})

		Context("when a termination was interrupted", func() {
			BeforeEach(func() {
				rentalStore.SeedRental(hostagent.Rental{
					ID:          "rental-1",
					GPUType:     "RTX 4090",
					GPUID:       "gpu-a",
					ContainerID: "container-1",
					State:       hostagent.RentalStateTerminating,
					Duration:    2 * time.Hour,
				})
				runtime.ContainerRunningStub = func(string) (bool, error) { return true, nil }
			})

			It("finishes the termination", func() {
				Expect(orch.Reconcile()).To(Succeed())

				rental, _ := rentalStore.Rental("rental-1")
				Expect(rental.State).To(Equal(hostagent.RentalStateTerminated))
				Expect(runtime.StopContainerCallCount()).To(Equal(1))
			})
		})
	})
})
