package telemetry_test

import (
	"errors"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/BANADDA/host-agent/telemetry"
	"github.com/BANADDA/host-agent/telemetry/fakes"
	"github.com/tedsuo/ifrit"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Heartbeater", func() {
	var (
		logger    *lagertest.TestLogger
		fakeClock *fakeclock.FakeClock
		publisher *fakes.FakeHeartbeatPublisher
		interval  time.Duration
		process   ifrit.Process
	)

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("test")
		fakeClock = fakeclock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
		publisher = fakes.NewFakeHeartbeatPublisher()
		interval = 30 * time.Second

		process = ifrit.Invoke(telemetry.NewHeartbeater(logger, interval, publisher, fakeClock))
	})

	AfterEach(func() {
		process.Signal(syscall.SIGTERM)
		Eventually(process.Wait()).Should(Receive(BeNil()))
	})

	It("beats once per interval", func() {
		fakeClock.WaitForWatcherAndIncrement(interval)
		Eventually(publisher.HeartbeatCallCount).Should(Equal(1))

		fakeClock.WaitForWatcherAndIncrement(interval)
		Eventually(publisher.HeartbeatCallCount).Should(Equal(2))
	})

	It("keeps beating after a failure", func() {
		publisher.HeartbeatStub = func() error {
			return errors.New("control plane unreachable")
		}

		fakeClock.WaitForWatcherAndIncrement(interval)
		Eventually(publisher.HeartbeatCallCount).Should(Equal(1))

		fakeClock.WaitForWatcherAndIncrement(interval)
		Eventually(publisher.HeartbeatCallCount).Should(Equal(2))
	})
})
