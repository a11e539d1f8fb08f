package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIdentifier(t *testing.T) {
	cases := map[string]string{
		"ACME_UNIF":  "ACME",
		"ACME_HUB":   "ACME",
		"acme_unif":  "acme",
		" ACME ":     "ACME",
		"ACME":       "ACME",
		"UNIF_ACME":  "UNIF_ACME",
		"ACME_OTHER": "ACME_OTHER",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeIdentifier(in), "input %q", in)
	}
}

func TestProspectNeedsPostProcessing(t *testing.T) {
	p := &Prospect{}
	assert.True(t, p.NeedsPostProcessing())

	now := time.Now()
	p.ProcessedAt = &now
	assert.False(t, p.NeedsPostProcessing())
}

func TestAddressVerificationState(t *testing.T) {
	a := &Address{}
	assert.False(t, a.IsVerified())
	assert.False(t, a.HasFailedVerification())
	assert.True(t, a.EligibleForVerification())

	a.VerificationAttempts = MaxVerificationAttempts
	assert.True(t, a.EligibleForVerification(), "at the cap the address still gets one more try")

	a.VerificationAttempts = MaxVerificationAttempts + 1
	assert.True(t, a.HasFailedVerification())
	assert.False(t, a.EligibleForVerification())

	a.VerificationAttempts = 0
	now := time.Now()
	a.VerifiedAt = &now
	assert.True(t, a.IsVerified())
	assert.False(t, a.EligibleForVerification())
}

func TestAddressSetPostalCode(t *testing.T) {
	a := &Address{}
	a.SetPostalCode("02108-1234")
	assert.Equal(t, "02108-1234", a.PostalCode)
	assert.Equal(t, "02108", a.PostalCodeShort)
}

func TestAddressKeyMatchesRestrictedKey(t *testing.T) {
	a := &Address{Address1: "123 Main St", Address2: "Apt 4B", City: "Boston", StateCode: "MA"}
	a.SetPostalCode("02108-1234")

	r := &RestrictedAddress{Address1: "123 MAIN ST.", Address2: "APT 4B", City: "Boston", StateCode: "ma", PostalCodeShort: "02108"}
	assert.Equal(t, a.Key(), r.Key())
}
