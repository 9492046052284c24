// Package transport provides a single Query(ctx, server, msg, timeout)
// adapter surface over the wire protocols an upstream might speak: plain
// UDP, length-prefixed TCP, TLS (DNS-over-TLS and HTTP CONNECT
// tunneling), SOCKS5-proxied TCP, and DNSCurve.
//
// Grounded on the teacher's forwarding resolver's queryOne/
// queryUpstreamTCP functions (UDP dial-send-receive, TCP 2-byte length
// prefix framing, deadline handling) generalized into one Adapter
// interface so the dispatcher (internal/dispatch) can treat every
// upstream kind uniformly.
package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/jroosing/hydracurve/internal/dnscurve"
	"github.com/jroosing/hydracurve/internal/helpers"
)

// TransportError wraps a transport-level failure with the server and
// protocol it occurred on, so the dispatcher can attribute failures to
// a specific upstream for AlternateChannel health tracking.
type TransportError struct {
	Server   string
	Protocol string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s query to %s failed: %v", e.Protocol, e.Server, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Adapter queries a single upstream server with a single wire-format
// DNS message and returns its wire-format response.
type Adapter interface {
	// Protocol names the wire protocol this adapter speaks, used in
	// TransportError and logging.
	Protocol() string
	// Query sends msg to server and returns the response bytes, or a
	// *TransportError on failure. timeout bounds both connect and I/O;
	// ctx cancellation is honored independently.
	Query(ctx context.Context, server string, msg []byte, timeout time.Duration) ([]byte, error)
}

// UDPAdapter speaks plain UDP DNS (RFC 1035).
type UDPAdapter struct {
	// RecvBufferSize bounds the largest response this adapter will
	// accept; responses larger than this are truncated by the kernel
	// socket read, not by this adapter.
	RecvBufferSize int
}

// NewUDPAdapter returns a UDPAdapter with a default 4096-byte receive
// buffer, large enough for any EDNS(0)-advertised payload in practice.
func NewUDPAdapter() *UDPAdapter {
	return &UDPAdapter{RecvBufferSize: 4096}
}

func (a *UDPAdapter) Protocol() string { return "udp" }

func (a *UDPAdapter) Query(ctx context.Context, server string, msg []byte, timeout time.Duration) ([]byte, error) {
	addr, err := net.ResolveUDPAddr("udp", withDefaultPort(server, "53"))
	if err != nil {
		return nil, a.wrap(server, err)
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", addr.String())
	if err != nil {
		return nil, a.wrap(server, err)
	}
	defer conn.Close()

	deadline := deadlineFor(ctx, timeout)
	_ = conn.SetDeadline(deadline)

	if _, err := conn.Write(msg); err != nil {
		return nil, a.wrap(server, err)
	}
	recvSize := a.RecvBufferSize
	if recvSize <= 0 {
		recvSize = 4096
	}
	buf := make([]byte, recvSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, a.wrap(server, err)
	}
	return buf[:n:n], nil
}

func (a *UDPAdapter) wrap(server string, err error) error {
	return &TransportError{Server: server, Protocol: a.Protocol(), Err: err}
}

// TCPAdapter speaks length-prefixed DNS over TCP (RFC 1035 section
// 4.2.2), the framing every TCP-capable DNS server and client uses.
type TCPAdapter struct {
	// DialFunc allows substituting the raw dialer (e.g. for SOCKS5
	// proxying); nil uses a plain net.Dialer.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTCPAdapter returns a TCPAdapter dialing directly.
func NewTCPAdapter() *TCPAdapter {
	return &TCPAdapter{}
}

func (a *TCPAdapter) Protocol() string { return "tcp" }

func (a *TCPAdapter) Query(ctx context.Context, server string, msg []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := a.dial(ctx, "tcp", withDefaultPort(server, "53"))
	if err != nil {
		return nil, a.wrap(server, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadlineFor(ctx, timeout))

	resp, err := writeReadLengthPrefixed(conn, msg)
	if err != nil {
		return nil, a.wrap(server, err)
	}
	return resp, nil
}

func (a *TCPAdapter) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if a.DialFunc != nil {
		return a.DialFunc(ctx, network, addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func (a *TCPAdapter) wrap(server string, err error) error {
	return &TransportError{Server: server, Protocol: a.Protocol(), Err: err}
}

// TLSAdapter speaks DNS-over-TLS (RFC 7858): the same 2-byte
// length-prefixed framing as plain TCP, over a TLS session negotiated
// with SNI/ALPN for the configured server name.
type TLSAdapter struct {
	ServerName         string
	InsecureSkipVerify bool
	// DialFunc allows proxying the underlying TCP connection (e.g.
	// through an HTTP CONNECT tunnel) before the TLS handshake runs.
	DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTLSAdapter returns a TLSAdapter for DNS-over-TLS to serverName.
func NewTLSAdapter(serverName string) *TLSAdapter {
	return &TLSAdapter{ServerName: serverName}
}

func (a *TLSAdapter) Protocol() string { return "dot" }

func (a *TLSAdapter) Query(ctx context.Context, server string, msg []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := a.DialFunc
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}
	addr := withDefaultPort(server, "853")
	raw, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, a.wrap(server, err)
	}

	cfg := &tls.Config{
		ServerName:         a.ServerName,
		InsecureSkipVerify: a.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS10,
		MaxVersion:         tls.VersionTLS13,
		NextProtos:         []string{"dot"},
	}
	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, a.wrap(server, err)
	}
	defer tlsConn.Close()
	_ = tlsConn.SetDeadline(deadlineFor(ctx, timeout))

	resp, err := writeReadLengthPrefixed(tlsConn, msg)
	if err != nil {
		return nil, a.wrap(server, err)
	}
	return resp, nil
}

func (a *TLSAdapter) wrap(server string, err error) error {
	return &TransportError{Server: server, Protocol: a.Protocol(), Err: err}
}

// SOCKS5Adapter tunnels length-prefixed TCP DNS queries through a SOCKS5
// proxy, using golang.org/x/net/proxy for the handshake.
type SOCKS5Adapter struct {
	ProxyAddr string
	Username  string
	Password  string
}

// NewSOCKS5Adapter returns a SOCKS5Adapter tunneling through proxyAddr.
func NewSOCKS5Adapter(proxyAddr string) *SOCKS5Adapter {
	return &SOCKS5Adapter{ProxyAddr: proxyAddr}
}

func (a *SOCKS5Adapter) Protocol() string { return "socks5" }

func (a *SOCKS5Adapter) Query(ctx context.Context, server string, msg []byte, timeout time.Duration) ([]byte, error) {
	var auth *proxy.Auth
	if a.Username != "" {
		auth = &proxy.Auth{User: a.Username, Password: a.Password}
	}
	dialer, err := proxy.SOCKS5("tcp", a.ProxyAddr, auth, proxy.Direct)
	if err != nil {
		return nil, a.wrap(server, err)
	}

	ctxDialer, ok := dialer.(proxy.ContextDialer)
	var conn net.Conn
	if ok {
		conn, err = ctxDialer.DialContext(ctx, "tcp", withDefaultPort(server, "53"))
	} else {
		conn, err = dialer.Dial("tcp", withDefaultPort(server, "53"))
	}
	if err != nil {
		return nil, a.wrap(server, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadlineFor(ctx, timeout))

	resp, err := writeReadLengthPrefixed(conn, msg)
	if err != nil {
		return nil, a.wrap(server, err)
	}
	return resp, nil
}

func (a *SOCKS5Adapter) wrap(server string, err error) error {
	return &TransportError{Server: server, Protocol: a.Protocol(), Err: err}
}

// HTTPConnectDialer returns a DialFunc that tunnels through an HTTP
// CONNECT proxy at proxyAddr, suitable for TLSAdapter.DialFunc or
// TCPAdapter.DialFunc.
func HTTPConnectDialer(proxyAddr string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, proxyAddr)
		if err != nil {
			return nil, err
		}
		req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
		if _, err := conn.Write([]byte(req)); err != nil {
			conn.Close()
			return nil, err
		}
		status, err := readHTTPStatusLine(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if !isSuccessfulConnect(status) {
			conn.Close()
			return nil, fmt.Errorf("HTTP CONNECT to %s via %s failed: %s", addr, proxyAddr, status)
		}
		return conn, nil
	}
}

func readHTTPStatusLine(conn net.Conn) (string, error) {
	buf := make([]byte, 1)
	var line []byte
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			line = append(line, buf[0])
			if len(line) >= 2 && line[len(line)-2] == '\r' && line[len(line)-1] == '\n' {
				return string(line), nil
			}
		}
		if err != nil {
			return "", err
		}
		if len(line) > 4096 {
			return "", errors.New("HTTP CONNECT status line too long")
		}
	}
}

func isSuccessfulConnect(statusLine string) bool {
	return len(statusLine) >= 12 && statusLine[9:12] == "200"
}

// DNSCurveAdapter speaks the DNSCurve/DNSCrypt v2 protocol over UDP
// (falling back to TCP is the caller's responsibility, same as plain
// DNS truncation handling), encrypting each query with a dnscurve.Client.
type DNSCurveAdapter struct {
	Client          *dnscurve.Client
	PayloadSize     int
	RecvBufferSize  int
}

// NewDNSCurveAdapter returns a DNSCurveAdapter using the given
// provisioned client.
func NewDNSCurveAdapter(client *dnscurve.Client) *DNSCurveAdapter {
	return &DNSCurveAdapter{Client: client, PayloadSize: 512, RecvBufferSize: 4096}
}

func (a *DNSCurveAdapter) Protocol() string { return "dnscurve" }

func (a *DNSCurveAdapter) Query(ctx context.Context, server string, msg []byte, timeout time.Duration) ([]byte, error) {
	if a.Client.State() != dnscurve.Provisioned {
		return nil, a.wrap(server, errors.New("DNSCurve client not provisioned"))
	}
	encrypted, err := a.Client.EncryptQuery(msg, a.PayloadSize)
	if err != nil {
		return nil, a.wrap(server, err)
	}

	// The client half-nonce lives right after the magic query + public key
	// prefix; EncryptQuery always places it at this fixed offset.
	var half [dnscurve.HalfNonceSize]byte
	copy(half[:], encrypted[dnscurve.MagicQueryLen+dnscurve.PublicKeySize:dnscurve.MagicQueryLen+dnscurve.PublicKeySize+dnscurve.HalfNonceSize])

	addr, err := net.ResolveUDPAddr("udp", withDefaultPort(server, "443"))
	if err != nil {
		return nil, a.wrap(server, err)
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "udp", addr.String())
	if err != nil {
		return nil, a.wrap(server, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(deadlineFor(ctx, timeout))

	if _, err := conn.Write(encrypted); err != nil {
		return nil, a.wrap(server, err)
	}
	recvSize := a.RecvBufferSize
	if recvSize <= 0 {
		recvSize = 4096
	}
	buf := make([]byte, recvSize)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, a.wrap(server, err)
	}

	plaintext, err := a.Client.DecryptResponse(buf[:n], half)
	if err != nil {
		return nil, a.wrap(server, err)
	}
	response, err := dnscurve.UnpadISO7816(plaintext, dns_minResponseSize)
	if err != nil {
		return nil, a.wrap(server, err)
	}
	return response, nil
}

func (a *DNSCurveAdapter) wrap(server string, err error) error {
	return &TransportError{Server: server, Protocol: a.Protocol(), Err: err}
}

// dns_minResponseSize mirrors dns.HeaderSize: an opened DNSCurve payload
// shorter than this can't possibly contain a DNS header, so
// UnpadISO7816's backward scan never needs to look below it.
const dns_minResponseSize = 12

// writeReadLengthPrefixed writes msg with a 2-byte big-endian length
// prefix and reads back a framed response, per RFC 1035 section 4.2.2.
func writeReadLengthPrefixed(conn net.Conn, msg []byte) ([]byte, error) {
	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], helpers.ClampIntToUint16(len(msg)))
	if _, err := conn.Write(prefix[:]); err != nil {
		return nil, err
	}
	if _, err := conn.Write(msg); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}
	respLen := int(binary.BigEndian.Uint16(prefix[:]))
	if respLen <= 0 || respLen > 65535 {
		return nil, fmt.Errorf("invalid TCP response length: %d", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func withDefaultPort(server, defaultPort string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(server, defaultPort)
}

func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
