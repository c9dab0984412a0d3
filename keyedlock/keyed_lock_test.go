package keyedlock_test

import (
	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/BANADDA/host-agent/keyedlock"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LockManager", func() {
	var (
		lockManager keyedlock.LockManager
		logger      *lagertest.TestLogger
	)

	BeforeEach(func() {
		lockManager = keyedlock.NewLockManager()
		logger = lagertest.NewTestLogger("locks")
	})

	Describe("Lock", func() {
		Context("when the key hasn't previously been locked", func() {
			It("allows access", func() {
				accessGrantedCh := make(chan struct{})
				go func() {
					lockManager.Lock(logger, "rental-1")
					close(accessGrantedCh)
				}()
				Eventually(accessGrantedCh).Should(BeClosed())
			})
		})

		Context("when the key is currently locked", func() {
			It("blocks until it is unlocked", func() {
				firstProcReadyCh := make(chan struct{})
				firstProcWaitCh := make(chan struct{})
				secondProcReadyCh := make(chan struct{})
				secondProcDoneCh := make(chan struct{})

				go func() {
					lockManager.Lock(logger, "rental-1")
					close(firstProcReadyCh)
					<-firstProcWaitCh
					lockManager.Unlock(logger, "rental-1")
				}()

				Eventually(firstProcReadyCh).Should(BeClosed())

				go func() {
					lockManager.Lock(logger, "rental-1")
					close(secondProcReadyCh)
					lockManager.Unlock(logger, "rental-1")
					close(secondProcDoneCh)
				}()

				Consistently(secondProcReadyCh).ShouldNot(BeClosed())
				firstProcWaitCh <- struct{}{}
				Eventually(secondProcDoneCh).Should(BeClosed())
			})
		})

		Context("with different keys", func() {
			It("does not contend", func() {
				lockManager.Lock(logger, "rental-1")

				accessGrantedCh := make(chan struct{})
				go func() {
					lockManager.Lock(logger, "rental-2")
					close(accessGrantedCh)
				}()
				Eventually(accessGrantedCh).Should(BeClosed())

				lockManager.Unlock(logger, "rental-1")
				lockManager.Unlock(logger, "rental-2")
			})
		})
	})

	Describe("Unlock", func() {
		Context("when the key has not been locked", func() {
			It("panics", func() {
				Expect(func() {
					lockManager.Unlock(logger, "rental-1")
				}).To(Panic())
			})
		})
	})
})
