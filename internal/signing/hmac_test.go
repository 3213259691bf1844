package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	secret := "whsec_test1234"
	payload := []byte(`{"event":"policy.created","data":{"id":"pol_1"}}`)

	sig := Sign(secret, payload)
	require.Len(t, sig, 64) // hex-encoded SHA-256

	assert.True(t, Verify(secret, payload, sig))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	secret := "whsec_test1234"
	payload := []byte(`{"event":"policy.created","data":{"id":"pol_1"}}`)
	sig := Sign(secret, payload)

	tampered := make([]byte, len(payload))
	copy(tampered, payload)
	tampered[len(tampered)-2] ^= 0x01

	assert.False(t, Verify(secret, tampered, sig))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"event":"commission.earned"}`)
	sig := Sign("whsec_a", payload)

	assert.False(t, Verify("whsec_b", payload, sig))
}

func TestSignIsDeterministic(t *testing.T) {
	payload := []byte(`{"event":"claim.filed"}`)
	assert.Equal(t, Sign("s", payload), Sign("s", payload))
}
