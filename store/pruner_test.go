package store_test

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"code.cloudfoundry.org/lager/v3/lagertest"
	hostagent "github.com/BANADDA/host-agent"
	"github.com/BANADDA/host-agent/store"
	"github.com/tedsuo/ifrit"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pruner", func() {
	var (
		logger    *lagertest.TestLogger
		fakeClock *fakeclock.FakeClock
		tempDir   string
		s         *store.Store
		process   ifrit.Process
		interval  time.Duration
		retention time.Duration
	)

	BeforeEach(func() {
		logger = lagertest.NewTestLogger("test")
		fakeClock = fakeclock.NewFakeClock(time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC))
		interval = time.Hour
		retention = 24 * time.Hour

		var err error
		tempDir, err = os.MkdirTemp("", "host-agent-pruner")
		Expect(err).NotTo(HaveOccurred())

		s, err = store.NewStore(logger, filepath.Join(tempDir, "agent.db"), fakeClock)
		Expect(err).NotTo(HaveOccurred())

		Expect(s.AppendGPUMetrics(logger, hostagent.GPUMetrics{
			GPUID:     "gpu-a",
			Timestamp: fakeClock.Now().Add(-48 * time.Hour),
		})).To(Succeed())
		Expect(s.AppendGPUMetrics(logger, hostagent.GPUMetrics{
			GPUID:     "gpu-a",
			Timestamp: fakeClock.Now(),
		})).To(Succeed())

		process = ifrit.Invoke(s.Pruner(logger, interval, retention))
	})

	AfterEach(func() {
		process.Signal(syscall.SIGTERM)
		Eventually(process.Wait()).Should(Receive(BeNil()))
		s.Close()
		os.RemoveAll(tempDir)
	})

	It("deletes telemetry beyond the retention window on each tick", func() {
		fakeClock.WaitForWatcherAndIncrement(interval)

		Eventually(func() []string {
			logs := []string{}
			for _, line := range logger.Logs() {
				logs = append(logs, line.Message)
			}
			return logs
		}).Should(ContainElement(ContainSubstring("pruned-expired-telemetry")))

		// only the stale sample is gone
		pruned, err := s.PruneTelemetry(logger, fakeClock.Now().Add(-retention))
		Expect(err).NotTo(HaveOccurred())
		Expect(pruned).To(BeZero())
	})
})
