package commandprocessor_test

import (
	"errors"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"code.cloudfoundry.org/lager/v3/lagertest"
	hostagent "github.com/BANADDA/host-agent"
	"github.com/BANADDA/host-agent/commandprocessor"
	"github.com/BANADDA/host-agent/commandprocessor/fakes"
	"github.com/tedsuo/ifrit"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Processor", func() {
	var (
		logger     *lagertest.TestLogger
		fakeClock  *fakeclock.FakeClock
		source     *fakes.FakeCommandSource
		store      *fakes.FakeCommandStore
		dispatcher *fakes.FakeDispatcher
		processor  *commandprocessor.Processor
		interval   time.Duration
	)

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("test")
		fakeClock = fakeclock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
		source = fakes.NewFakeCommandSource()
		store = fakes.NewFakeCommandStore()
		dispatcher = fakes.NewFakeDispatcher()
		interval = 10 * time.Second
		processor = commandprocessor.NewProcessor(logger, interval, source, store, dispatcher, fakeClock)
	})

	Describe("Process", func() {
		Context("with a deploy command", func() {
			command := hostagent.Command{
				ID:      "cmd-1",
				Type:    commandprocessor.CommandTypeDeploy,
				Payload: []byte(`{"gpu_type":"RTX 4090","duration_hours":2,"auth_type":"password","credential":"s3cret"}`),
			}

			It("dispatches a provision and records the result", func() {
				result := processor.Process(logger, command)
				Expect(result.CommandID).To(Equal("cmd-1"))
				Expect(result.Success).To(BeTrue())

				Expect(dispatcher.ProvisionCallCount()).To(Equal(1))
				request := dispatcher.ProvisionArgsForCall(0)
				Expect(request.GPUType).To(Equal("RTX 4090"))
				Expect(request.DurationHours).To(Equal(2.0))

				Expect(store.RecordCommandResultCallCount()).To(Equal(1))
			})

			It("surfaces a provisioning failure in the result", func() {
				dispatcher.ProvisionStub = func(hostagent.ProvisionRequest) (hostagent.ProvisionResponse, error) {
					return hostagent.ProvisionResponse{Success: false, Message: "no gpu available"}, hostagent.ErrNoMatchingGPU
				}

				result := processor.Process(logger, command)
				Expect(result.Success).To(BeFalse())
				Expect(result.Message).To(Equal("no gpu available"))
			})

			It("rejects a malformed payload without dispatching", func() {
				malformed := command
				malformed.Payload = []byte(`{not json`)

				result := processor.Process(logger, malformed)
				Expect(result.Success).To(BeFalse())
				Expect(result.Message).To(ContainSubstring("malformed deploy payload"))
				Expect(dispatcher.ProvisionCallCount()).To(BeZero())
			})
		})

		Context("with a terminate command", func() {
			It("dispatches with the given reason", func() {
				result := processor.Process(logger, hostagent.Command{
					ID:      "cmd-2",
					Type:    commandprocessor.CommandTypeTerminate,
					Payload: []byte(`{"rental_id":"rental-1","reason":"tenant request"}`),
				})
				Expect(result.Success).To(BeTrue())

				rentalID, reason := dispatcher.TerminateArgsForCall(0)
				Expect(rentalID).To(Equal("rental-1"))
				Expect(reason).To(Equal("tenant request"))
			})

			It("defaults the reason when none is given", func() {
				processor.Process(logger, hostagent.Command{
					ID:      "cmd-2",
					Type:    commandprocessor.CommandTypeTerminate,
					Payload: []byte(`{"rental_id":"rental-1"}`),
				})

				_, reason := dispatcher.TerminateArgsForCall(0)
				Expect(reason).To(Equal("terminated by control plane"))
			})
		})

		Context("with a replayed command id", func() {
			command := hostagent.Command{
				ID:      "cmd-1",
				Type:    commandprocessor.CommandTypeTerminate,
				Payload: []byte(`{"rental_id":"rental-1"}`),
			}

			It("returns the stored result without re-dispatching", func() {
				first := processor.Process(logger, command)
				Expect(dispatcher.TerminateCallCount()).To(Equal(1))

				second := processor.Process(logger, command)
				Expect(second).To(Equal(first))
				Expect(dispatcher.TerminateCallCount()).To(Equal(1))
			})
		})

		Context("with an unsupported command type", func() {
			It("fails the command but records it as handled", func() {
				result := processor.Process(logger, hostagent.Command{
					ID:      "cmd-3",
					Type:    "reboot-the-moon",
					Payload: []byte(`{}`),
				})
				Expect(result.Success).To(BeFalse())
				Expect(result.Message).To(ContainSubstring("unsupported command type"))
				Expect(store.RecordCommandResultCallCount()).To(Equal(1))
			})
		})

		Context("when the dedupe check fails", func() {
			BeforeEach(func() {
				store.CommandResultStub = func(string) (hostagent.CommandResult, bool, error) {
					return hostagent.CommandResult{}, false, errors.New("database locked")
				}
			})

			It("fails the command without dispatching", func() {
				result := processor.Process(logger, hostagent.Command{
					ID:   "cmd-4",
					Type: commandprocessor.CommandTypeTerminate,
				})
				Expect(result.Success).To(BeFalse())
				Expect(dispatcher.TerminateCallCount()).To(BeZero())
			})
		})
	})

	Describe("Run", func() {
		var process ifrit.Process

		JustBeforeEach(func() {
			process = ifrit.Invoke(processor)
		})

		AfterEach(func() {
			process.Signal(syscall.SIGTERM)
			Eventually(process.Wait()).Should(Receive(BeNil()))
		})

		Context("when the source has commands", func() {
			BeforeEach(func() {
				source.FetchCommandsStub = func() ([]hostagent.Command, error) {
					return []hostagent.Command{
						{ID: "cmd-1", Type: commandprocessor.CommandTypeTerminate, Payload: []byte(`{"rental_id":"rental-1"}`)},
					}, nil
				}
			})

			It("processes and acks each command on every tick", func() {
				fakeClock.WaitForWatcherAndIncrement(interval)

				Eventually(source.AckCommandCallCount).Should(Equal(1))
				Expect(source.AckCommandArgsForCall(0).CommandID).To(Equal("cmd-1"))
				Expect(dispatcher.TerminateCallCount()).To(Equal(1))

				// the same command arriving again is acked from the stored result
				fakeClock.WaitForWatcherAndIncrement(interval)
				Eventually(source.AckCommandCallCount).Should(Equal(2))
				Expect(dispatcher.TerminateCallCount()).To(Equal(1))
			})
		})

		Context("when fetching fails", func() {
			BeforeEach(func() {
				source.FetchCommandsStub = func() ([]hostagent.Command, error) {
					return nil, errors.New("control plane unreachable")
				}
			})

			It("keeps polling", func() {
				fakeClock.WaitForWatcherAndIncrement(interval)
				Eventually(source.FetchCommandsCallCount).Should(Equal(1))

				fakeClock.WaitForWatcherAndIncrement(interval)
				Eventually(source.FetchCommandsCallCount).Should(Equal(2))
			})
		})
	})
})
