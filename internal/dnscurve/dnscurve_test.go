package dnscurve_test

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/jroosing/hydracurve/internal/dnscurve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPadUnpadISO7816_RoundTrip(t *testing.T) {
	msg := []byte("hello world")
	padded := dnscurve.PadISO7816(msg, 64)
	assert.Len(t, padded, 64)

	unpadded, err := dnscurve.UnpadISO7816(padded, 0)
	require.NoError(t, err)
	assert.Equal(t, msg, unpadded)
}

func TestPadISO7816_GrowsBufferIfTooSmall(t *testing.T) {
	msg := make([]byte, 100)
	padded := dnscurve.PadISO7816(msg, 10)
	assert.Greater(t, len(padded), len(msg))
	assert.Equal(t, byte(dnscurve.PaddingSentinel), padded[len(msg)])
}

func TestUnpadISO7816_MissingSentinelErrors(t *testing.T) {
	buf := make([]byte, 32)
	_, err := dnscurve.UnpadISO7816(buf, 0)
	assert.ErrorIs(t, err, dnscurve.ErrNoPaddingSentinel)
}

func TestGenerateKeyPair_Distinct(t *testing.T) {
	kp1, err := dnscurve.GenerateKeyPair(nil)
	require.NoError(t, err)
	kp2, err := dnscurve.GenerateKeyPair(nil)
	require.NoError(t, err)
	assert.NotEqual(t, kp1.Public, kp2.Public, "two generated keypairs should differ")
}

func TestCert_ValidAt(t *testing.T) {
	now := time.Now()
	c := dnscurve.Cert{NotBefore: now.Add(-time.Hour), NotAfter: now.Add(time.Hour)}
	assert.True(t, c.ValidAt(now))
	assert.False(t, c.ValidAt(now.Add(-2*time.Hour)))
	assert.False(t, c.ValidAt(now.Add(2*time.Hour)))
}

func TestVerifyCertSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	signed := []byte("certificate body to sign")
	sig := ed25519.Sign(priv, signed)

	assert.NoError(t, dnscurve.VerifyCertSignature(pub, signed, sig))

	tampered := append([]byte{}, signed...)
	tampered[0] ^= 0xFF
	assert.ErrorIs(t, dnscurve.VerifyCertSignature(pub, tampered, sig), dnscurve.ErrBadSignature)
}

func TestClient_ProvisionAndEncryptQuery(t *testing.T) {
	serverKP, err := dnscurve.GenerateKeyPair(nil)
	require.NoError(t, err)

	client, err := dnscurve.NewClient(true, dnscurve.KeyPair{})
	require.NoError(t, err)
	assert.Equal(t, dnscurve.Unprovisioned, client.State())

	cert := dnscurve.Cert{ServerKey: serverKP.Public, NotBefore: time.Now().Add(-time.Minute), NotAfter: time.Now().Add(time.Hour)}
	copy(cert.MagicQuery[:], []byte("DNSC\x00\x00\x01\x00"))
	require.NoError(t, client.ProvisionCert(cert, time.Now()))
	assert.Equal(t, dnscurve.Provisioned, client.State())

	query := []byte("a test DNS query payload")
	encrypted, err := client.EncryptQuery(query, 256)
	require.NoError(t, err)
	assert.Greater(t, len(encrypted), len(query))
}

func TestClient_EncryptFailsWhenUnprovisioned(t *testing.T) {
	client, err := dnscurve.NewClient(false, dnscurve.KeyPair{})
	require.NoError(t, err)

	_, err = client.EncryptQuery([]byte("query"), 256)
	assert.Error(t, err)
}

func TestClient_MarkCertFailureBacksOffAndCaps(t *testing.T) {
	client, err := dnscurve.NewClient(false, dnscurve.KeyPair{})
	require.NoError(t, err)

	now := time.Now()
	b1 := client.MarkCertFailure(now)
	b2 := client.MarkCertFailure(now)
	assert.Greater(t, b2, b1)
	assert.Equal(t, dnscurve.Unprovisioned, client.State())

	for i := 0; i < 20; i++ {
		client.MarkCertFailure(now)
	}
	assert.LessOrEqual(t, client.MarkCertFailure(now), 5*time.Minute)
}

func TestClient_NeedsRecertifyWhenNeverProvisioned(t *testing.T) {
	client, err := dnscurve.NewClient(false, dnscurve.KeyPair{})
	require.NoError(t, err)
	assert.True(t, client.NeedsRecertify(time.Now()))
}

func TestClient_NeedsRecertifyWhenCertExpired(t *testing.T) {
	client, err := dnscurve.NewClient(false, dnscurve.KeyPair{})
	require.NoError(t, err)

	cert := dnscurve.Cert{NotBefore: time.Now().Add(-2 * time.Hour), NotAfter: time.Now().Add(-time.Hour)}
	require.NoError(t, client.ProvisionCert(dnscurve.Cert{NotBefore: time.Now().Add(-time.Minute), NotAfter: time.Now().Add(time.Hour)}, time.Now()))
	// Re-provisioning with an already-expired window is rejected, so expiry
	// is checked by asking about an instant past the installed cert's NotAfter.
	_ = cert
	assert.False(t, client.NeedsRecertify(time.Now()))
	assert.True(t, client.NeedsRecertify(time.Now().Add(2*time.Hour)))
}
