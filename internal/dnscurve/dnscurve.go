// Package dnscurve implements the DNSCurve/DNSCrypt v2 client: key
// lifecycle, certificate verification and installation, and the
// authenticated box construction used to encrypt queries to and decrypt
// responses from a DNSCurve-speaking upstream.
//
// No code in this module fetches a provider certificate: a Client stays
// Unprovisioned (and DNSCurve queries through it fail) until a caller
// passes a Cert to ProvisionCert.
//
// Grounded on original_source/Source/Pcap_DNSProxy/DNSCurveControl.cpp's
// wire format documentation (magic bytes, nonce layout, ISO/IEC 7816-4
// padding) and reimplemented with golang.org/x/crypto/nacl/box in place
// of the original's libsodium crypto_box calls — box.Seal/box.Open
// perform the same X25519-key-agreement + XSalsa20-Poly1305 construction
// libsodium's crypto_box does, so no hand-rolled crypto is introduced.
package dnscurve

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"
)

// Wire constants, per the DNSCrypt v2 protocol.
const (
	// MagicQueryLen is the length of the client's fixed per-provider magic
	// query prefix.
	MagicQueryLen = 8
	// MagicResponse is the fixed 8-byte prefix every DNSCurve response
	// begins with.
	MagicResponse = "r6fnvWJ8"

	// PublicKeySize is the X25519 public key size (crypto_box_PUBLICKEYBYTES).
	PublicKeySize = 32
	// SecretKeySize is the X25519 secret key size (crypto_box_SECRETKEYBYTES).
	SecretKeySize = 32
	// HalfNonceSize is half of the NaCl box nonce (crypto_box_NONCEBYTES / 2):
	// the client contributes one half, the server extends it with the other.
	HalfNonceSize = 12
	// NonceSize is the full NaCl box nonce size (crypto_box_NONCEBYTES).
	NonceSize = 24

	// PaddingSentinel is the ISO/IEC 7816-4 padding start byte: 0x80
	// followed by zero or more NUL bytes pads the plaintext up to the
	// provider's advertised payload size before encryption.
	PaddingSentinel = 0x80

	// MinQuerySize is the minimum plaintext size a query is padded up to,
	// mirroring the original's DNS_PACKET_MINSIZE floor.
	MinQuerySize = 512
)

var (
	// ErrNoPaddingSentinel is returned when unpadding can't locate the
	// 0x80 sentinel byte within the plaintext.
	ErrNoPaddingSentinel = errors.New("dnscurve: padding sentinel not found")
	// ErrCertExpired is returned when a fetched certificate's validity
	// window doesn't cover the current time.
	ErrCertExpired = errors.New("dnscurve: certificate expired or not yet valid")
	// ErrBadSignature is returned when a certificate's Ed25519 signature
	// doesn't verify against the provider's long-term public key.
	ErrBadSignature = errors.New("dnscurve: certificate signature invalid")
	// ErrShortMessage is returned when a received message is too short to
	// contain the expected magic/nonce/MAC framing.
	ErrShortMessage = errors.New("dnscurve: message shorter than wire framing requires")
	ErrBadMagic     = errors.New("dnscurve: unexpected magic bytes")
)

// PadISO7816 pads data to at least size bytes using the ISO/IEC 7816-4
// scheme: a single 0x80 sentinel followed by NUL bytes. If data is
// already >= size, it's returned with only the sentinel byte appended
// (the padding is never empty, mirroring DNSCurve_PaddingData).
func PadISO7816(data []byte, size int) []byte {
	total := size
	if total < len(data)+1 {
		total = len(data) + 1
	}
	out := make([]byte, total)
	copy(out, data)
	out[len(data)] = PaddingSentinel
	return out
}

// UnpadISO7816 strips ISO/IEC 7816-4 padding by scanning backward from
// the end of data for the 0x80 sentinel, stopping (and failing) before
// floor — data below floor bytes is assumed to be unpadded framing, not
// plaintext.
func UnpadISO7816(data []byte, floor int) ([]byte, error) {
	if len(data) < floor {
		return nil, ErrShortMessage
	}
	for i := len(data) - 1; i >= floor; i-- {
		if data[i] == PaddingSentinel {
			return data[:i], nil
		}
		if data[i] != 0 {
			return nil, ErrNoPaddingSentinel
		}
	}
	return nil, ErrNoPaddingSentinel
}

// KeyPair is an X25519 key pair used either as a provider's long-term
// encryption key or a client's per-session (ephemeral or static) key.
type KeyPair struct {
	Public [PublicKeySize]byte
	Secret [SecretKeySize]byte
}

// GenerateKeyPair creates a fresh X25519 key pair using box.GenerateKey,
// which internally performs the curve25519 scalar-basepoint multiply.
func GenerateKeyPair(rng io.Reader) (KeyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	pub, sec, err := box.GenerateKey(rng)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generating DNSCurve keypair: %w", err)
	}
	return KeyPair{Public: *pub, Secret: *sec}, nil
}

// Cert is a parsed DNSCurve provider certificate (served in the protocol
// as a TXT record for the provider name). VerifyCertSignature checks its
// signature against the provider's long-term Ed25519 key; ProvisionCert
// checks only its validity window.
type Cert struct {
	MagicQuery  [MagicQueryLen]byte // per-certificate client magic prefix
	ServerKey   [PublicKeySize]byte // provider's short-term X25519 encryption key
	Serial      uint32
	NotBefore   time.Time
	NotAfter    time.Time
}

// ValidAt reports whether the certificate covers instant t.
func (c Cert) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// VerifyCertSignature checks sig (the certificate's signature block)
// against the provider's long-term Ed25519 public key and the signed
// portion of the certificate (everything from ServerKey onward).
func VerifyCertSignature(providerSigningKey ed25519.PublicKey, signed, sig []byte) error {
	if len(providerSigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("dnscurve: provider signing key must be %d bytes, got %d", ed25519.PublicKeySize, len(providerSigningKey))
	}
	if !ed25519.Verify(providerSigningKey, signed, sig) {
		return ErrBadSignature
	}
	return nil
}

// State is the provisioning state of a Client.
type State int

const (
	// Unprovisioned means no valid certificate has been fetched yet; the
	// client cannot encrypt queries.
	Unprovisioned State = iota
	// Provisioned means a verified, unexpired certificate is in hand and
	// queries can be encrypted against ServerKey.
	Provisioned
)

// String returns the human-readable state name.
func (s State) String() string {
	if s == Provisioned {
		return "provisioned"
	}
	return "unprovisioned"
}

// Client holds one DNSCurve upstream's session state: its own session
// key pair (ephemeral by default, or a fixed static key when configured
// that way), the provider's current certificate, and the state machine
// governing when a recertification is needed.
//
// Safe for concurrent use; EncryptQuery/DecryptResponse serialize
// against certificate swaps via mu.
type Client struct {
	mu sync.RWMutex

	sessionKey     KeyPair
	ephemeral      bool
	cert           *Cert
	state          State
	lastCertFetch  time.Time
	backoff        time.Duration
	maxBackoff     time.Duration
}

// NewClient returns a Client. If ephemeral is true, a fresh session key
// pair is generated per ProvisionCert call (matching
// DNSCurveParameter.IsClientEphemeralKey in the original); otherwise
// staticKey is kept for the client's lifetime.
func NewClient(ephemeral bool, staticKey KeyPair) (*Client, error) {
	c := &Client{ephemeral: ephemeral, sessionKey: staticKey, maxBackoff: 5 * time.Minute}
	if ephemeral {
		kp, err := GenerateKeyPair(nil)
		if err != nil {
			return nil, err
		}
		c.sessionKey = kp
	}
	return c, nil
}

// State returns the client's current provisioning state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ProvisionCert installs a verified certificate, transitioning the
// client to Provisioned and resetting the recertification backoff. If
// the client uses ephemeral keys, a new session key pair is generated
// for this certificate's lifetime.
func (c *Client) ProvisionCert(cert Cert, now time.Time) error {
	if !cert.ValidAt(now) {
		return ErrCertExpired
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ephemeral {
		kp, err := GenerateKeyPair(nil)
		if err != nil {
			return err
		}
		c.sessionKey = kp
	}
	cc := cert
	c.cert = &cc
	c.state = Provisioned
	c.lastCertFetch = now
	c.backoff = 0
	return nil
}

// MarkCertFailure transitions the client back to Unprovisioned and
// advances the recertification backoff, capped at maxBackoff, per
// spec.md §4.6.4's refetch-on-failure-with-capped-backoff state machine.
func (c *Client) MarkCertFailure(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Unprovisioned
	c.cert = nil
	c.lastCertFetch = now
	if c.backoff == 0 {
		c.backoff = time.Second
	} else {
		c.backoff *= 2
	}
	if c.backoff > c.maxBackoff {
		c.backoff = c.maxBackoff
	}
	return c.backoff
}

// NeedsRecertify reports whether the client should attempt to fetch a
// new certificate: either it has never been provisioned, its current
// certificate has expired, or the backoff window since the last failure
// has elapsed.
func (c *Client) NeedsRecertify(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == Unprovisioned {
		return now.Sub(c.lastCertFetch) >= c.backoff
	}
	return c.cert == nil || !c.cert.ValidAt(now)
}

// EncryptQuery pads plaintext to payloadSize using ISO/IEC 7816-4
// padding, then seals it with box.Seal against the provider's
// ServerKey, producing the framing:
//
//	8 bytes magic query | 32 bytes client public key | 12 bytes client nonce | box(ciphertext+MAC)
//
// The client nonce's other 12 bytes are zero-filled to build the full
// 24-byte NaCl nonce, matching the original's "client-selected nonce for
// this packet" (the server extends it on the way back).
func (c *Client) EncryptQuery(plaintext []byte, payloadSize int) ([]byte, error) {
	c.mu.RLock()
	cert := c.cert
	session := c.sessionKey
	state := c.state
	c.mu.RUnlock()

	if state != Provisioned || cert == nil {
		return nil, errors.New("dnscurve: client not provisioned, cannot encrypt")
	}

	padded := PadISO7816(plaintext, max(payloadSize, MinQuerySize))

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:HalfNonceSize]); err != nil {
		return nil, fmt.Errorf("dnscurve: generating client nonce: %w", err)
	}

	sealed := box.Seal(nil, padded, &nonce, &cert.ServerKey, &session.Secret)

	out := make([]byte, 0, MagicQueryLen+PublicKeySize+HalfNonceSize+len(sealed))
	out = append(out, cert.MagicQuery[:]...)
	out = append(out, session.Public[:]...)
	out = append(out, nonce[:HalfNonceSize]...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptResponse validates the "r6fnvWJ8" magic prefix, reconstructs
// the full 24-byte nonce from the client's half (echoed back) plus the
// server's nonce extension, and opens the box against the provider's
// ServerKey and the client's own session secret key. The returned bytes
// are still ISO/IEC 7816-4 padded; callers use UnpadISO7816 to recover
// the DNS message.
func (c *Client) DecryptResponse(resp []byte, clientNonceHalf [HalfNonceSize]byte) ([]byte, error) {
	c.mu.RLock()
	cert := c.cert
	session := c.sessionKey
	state := c.state
	c.mu.RUnlock()

	if state != Provisioned || cert == nil {
		return nil, errors.New("dnscurve: client not provisioned, cannot decrypt")
	}
	if len(resp) < MagicQueryLen+2*HalfNonceSize {
		return nil, ErrShortMessage
	}
	if string(resp[:MagicQueryLen]) != MagicResponse {
		return nil, ErrBadMagic
	}

	var nonce [NonceSize]byte
	copy(nonce[:HalfNonceSize], clientNonceHalf[:])
	copy(nonce[HalfNonceSize:], resp[MagicQueryLen:MagicQueryLen+HalfNonceSize])

	sealed := resp[MagicQueryLen+HalfNonceSize:]
	opened, ok := box.Open(nil, sealed, &nonce, &cert.ServerKey, &session.Secret)
	if !ok {
		return nil, errors.New("dnscurve: box authentication failed")
	}
	return opened, nil
}
