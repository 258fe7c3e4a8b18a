package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func kycGen() gopter.Gen {
	return gen.OneConstOf("pending", "submitted", "verified", "approved", "rejected", "VERIFIED", "")
}

func verificationGen() gopter.Gen {
	return gen.OneConstOf(VerificationPending, VerificationVerified, VerificationRejected)
}

func TestEligibilityProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("eligible iff KYC complete and verification verified", prop.ForAll(
		func(kyc string, verification VerificationStatus) bool {
			complete := kyc == "verified" || kyc == "approved" || kyc == "VERIFIED"
			want := complete && verification == VerificationVerified
			return IsEligibleForSuspension(KYCStatus(kyc), verification) == want
		},
		kycGen(),
		verificationGen(),
	))

	properties.Property("normalization is idempotent", prop.ForAll(
		func(kyc string) bool {
			once := NormalizeKYCStatus(kyc)
			return NormalizeKYCStatus(string(once)) == once
		},
		kycGen(),
	))

	properties.TestingRun(t)
}
