package hostagent_test

import (
	"time"

	hostagent "github.com/BANADDA/host-agent"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("RentalState", func() {
	Describe("CanTransitionTo", func() {
		It("permits the provisioning path", func() {
			Expect(hostagent.RentalStatePending.CanTransitionTo(hostagent.RentalStateCreating)).To(BeTrue())
			Expect(hostagent.RentalStateCreating.CanTransitionTo(hostagent.RentalStateRunning)).To(BeTrue())
			Expect(hostagent.RentalStateRunning.CanTransitionTo(hostagent.RentalStateReady)).To(BeTrue())
		})

		It("permits the termination path", func() {
			Expect(hostagent.RentalStateRunning.CanTransitionTo(hostagent.RentalStateTerminating)).To(BeTrue())
			Expect(hostagent.RentalStateReady.CanTransitionTo(hostagent.RentalStateTerminating)).To(BeTrue())
			Expect(hostagent.RentalStateTerminating.CanTransitionTo(hostagent.RentalStateTerminated)).To(BeTrue())
		})

		It("permits failure from every non-terminal working state", func() {
			Expect(hostagent.RentalStateCreating.CanTransitionTo(hostagent.RentalStateFailed)).To(BeTrue())
			Expect(hostagent.RentalStateRunning.CanTransitionTo(hostagent.RentalStateFailed)).To(BeTrue())
			Expect(hostagent.RentalStateReady.CanTransitionTo(hostagent.RentalStateFailed)).To(BeTrue())
			Expect(hostagent.RentalStateTerminating.CanTransitionTo(hostagent.RentalStateFailed)).To(BeTrue())
		})

		It("rejects skipping states", func() {
			Expect(hostagent.RentalStatePending.CanTransitionTo(hostagent.RentalStateRunning)).To(BeFalse())
			Expect(hostagent.RentalStateCreating.CanTransitionTo(hostagent.RentalStateReady)).To(BeFalse())
			Expect(hostagent.RentalStateRunning.CanTransitionTo(hostagent.RentalStateTerminated)).To(BeFalse())
		})

		It("rejects leaving a terminal state", func() {
			Expect(hostagent.RentalStateTerminated.CanTransitionTo(hostagent.RentalStateRunning)).To(BeFalse())
			Expect(hostagent.RentalStateFailed.CanTransitionTo(hostagent.RentalStateCreating)).To(BeFalse())
		})
	})

	Describe("Terminal", func() {
		It("is true only for terminated and failed", func() {
			Expect(hostagent.RentalStateTerminated.Terminal()).To(BeTrue())
			Expect(hostagent.RentalStateFailed.Terminal()).To(BeTrue())
			Expect(hostagent.RentalStateRunning.Terminal()).To(BeFalse())
			Expect(hostagent.RentalStateTerminating.Terminal()).To(BeFalse())
		})
	})
})

var _ = Describe("Rental", func() {
	Describe("Expired", func() {
		now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

		It("is false while expires_at is unset", func() {
			rental := hostagent.Rental{State: hostagent.RentalStateCreating}
			Expect(rental.Expired(now)).To(BeFalse())
		})

		It("is false before the deadline and true at or after it", func() {
			rental := hostagent.Rental{ExpiresAt: now.Add(time.Minute)}
			Expect(rental.Expired(now)).To(BeFalse())
			Expect(rental.Expired(now.Add(time.Minute))).To(BeTrue())
			Expect(rental.Expired(now.Add(2 * time.Minute))).To(BeTrue())
		})
	})

	Describe("Copy", func() {
		It("does not share maps with the original", func() {
			rental := hostagent.Rental{
				PortMappings: map[string]string{"22": "40022"},
				Env:          map[string]string{"A": "1"},
			}

			clone := rental.Copy()
			clone.PortMappings["22"] = "50022"
			clone.Env["A"] = "2"

			Expect(rental.PortMappings["22"]).To(Equal("40022"))
			Expect(rental.Env["A"]).To(Equal("1"))
		})
	})
})

var _ = Describe("ProvisionRequest", func() {
	var request hostagent.ProvisionRequest

	BeforeEach(func() {
		request = hostagent.ProvisionRequest{
			GPUType:       "RTX 4090",
			OSImage:       "ubuntu:22.04",
			DurationHours: 2,
			AuthType:      hostagent.AuthTypePassword,
			Credential:    "s3cret",
		}
	})

	It("accepts a well-formed request", func() {
		Expect(request.Validate()).To(Succeed())
	})

	It("converts fractional duration hours", func() {
		request.DurationHours = 0.5
		Expect(request.Duration()).To(Equal(30 * time.Minute))
	})

	It("rejects an empty gpu type", func() {
		request.GPUType = ""
		err := request.Validate()
		Expect(err).To(HaveOccurred())
		Expect(hostagent.CodeOf(err)).To(Equal(hostagent.CodeValidation))
	})

	It("rejects a non-positive duration", func() {
		request.DurationHours = 0
		Expect(hostagent.CodeOf(request.Validate())).To(Equal(hostagent.CodeValidation))
	})

	It("rejects an unknown auth type", func() {
		request.AuthType = "retina-scan"
		Expect(hostagent.CodeOf(request.Validate())).To(Equal(hostagent.CodeValidation))
	})

	It("rejects an empty credential", func() {
		request.Credential = ""
		Expect(hostagent.CodeOf(request.Validate())).To(Equal(hostagent.CodeValidation))
	})
})
