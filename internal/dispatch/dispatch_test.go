package dispatch_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jroosing/hydracurve/internal/dispatch"
	"github.com/jroosing/hydracurve/internal/dns"
	"github.com/jroosing/hydracurve/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	proto string
	resp  []byte
	err   error
	delay time.Duration
}

func (f *fakeAdapter) Protocol() string { return f.proto }
func (f *fakeAdapter) Query(ctx context.Context, server string, msg []byte, timeout time.Duration) ([]byte, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.resp, f.err
}

func buildQuery(t *testing.T, name string) (dns.Packet, []byte) {
	t.Helper()
	p := dns.Packet{
		Header:    dns.Header{ID: 0x1234, Flags: dns.RDFlag},
		Questions: []dns.Question{{Name: name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	return p, b
}

func buildAnswer(t *testing.T, name string, ip net.IP) []byte {
	t.Helper()
	p := dns.Packet{
		Header:    dns.Header{ID: 0x1234, Flags: dns.QRFlag},
		Questions: []dns.Question{{Name: name, Type: uint16(dns.TypeA), Class: uint16(dns.ClassIN)}},
		Answers:   []dns.Record{dns.NewIPRecord(dns.NewRRHeader(name, dns.ClassIN, 60), ip)},
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	return b
}

func TestDispatcher_SingleSucceedsOnMain(t *testing.T) {
	req, reqBytes := buildQuery(t, "example.com")
	resp := buildAnswer(t, "example.com", net.IPv4(1, 2, 3, 4))

	main := &dispatch.Server{Address: "main:53", Adapter: &fakeAdapter{proto: "udp", resp: resp}}
	d := dispatch.NewDispatcher(main, nil, dispatch.NewAlternateChannel(dispatch.DefaultAlternateChannelConfig()))

	out, err := d.Dispatch(context.Background(), req, reqBytes, time.Second)
	require.NoError(t, err)
	assert.Equal(t, dispatch.TargetMain, out.Winner.Target)
}

func TestDispatcher_SingleFallsBackToAlternate(t *testing.T) {
	req, reqBytes := buildQuery(t, "example.com")
	resp := buildAnswer(t, "example.com", net.IPv4(5, 6, 7, 8))

	main := &dispatch.Server{Address: "main:53", Adapter: &fakeAdapter{proto: "udp", err: errors.New("timeout")}}
	alt := &dispatch.Server{Address: "alt:53", Adapter: &fakeAdapter{proto: "udp", resp: resp}}
	d := dispatch.NewDispatcher(main, alt, dispatch.NewAlternateChannel(dispatch.DefaultAlternateChannelConfig()))

	out, err := d.Dispatch(context.Background(), req, reqBytes, time.Second)
	require.NoError(t, err)
	assert.Equal(t, dispatch.TargetAlternate, out.Winner.Target)
}

func TestDispatcher_AllAttemptsFail(t *testing.T) {
	req, reqBytes := buildQuery(t, "example.com")
	main := &dispatch.Server{Address: "main:53", Adapter: &fakeAdapter{proto: "udp", err: errors.New("boom")}}
	d := dispatch.NewDispatcher(main, nil, dispatch.NewAlternateChannel(dispatch.DefaultAlternateChannelConfig()))

	_, err := d.Dispatch(context.Background(), req, reqBytes, time.Second)
	assert.ErrorIs(t, err, dispatch.ErrAllAttemptsFailed)
}

func TestDispatcher_NoServersConfigured(t *testing.T) {
	req, reqBytes := buildQuery(t, "example.com")
	d := dispatch.NewDispatcher(nil, nil, dispatch.NewAlternateChannel(dispatch.DefaultAlternateChannelConfig()))

	_, err := d.Dispatch(context.Background(), req, reqBytes, time.Second)
	assert.ErrorIs(t, err, dispatch.ErrNoServers)
}

func TestDispatcher_AlternateMultipleRequestFirstValidWins(t *testing.T) {
	req, reqBytes := buildQuery(t, "example.com")
	fastResp := buildAnswer(t, "example.com", net.IPv4(9, 9, 9, 9))
	slowResp := buildAnswer(t, "example.com", net.IPv4(1, 1, 1, 1))

	main := &dispatch.Server{Address: "main:53", Adapter: &fakeAdapter{proto: "udp", resp: slowResp, delay: 50 * time.Millisecond}}
	alt := &dispatch.Server{Address: "alt:53", Adapter: &fakeAdapter{proto: "udp", resp: fastResp}}
	d := dispatch.NewDispatcher(main, alt, dispatch.NewAlternateChannel(dispatch.DefaultAlternateChannelConfig()))
	d.Policy = dispatch.AlternateMultipleRequest

	out, err := d.Dispatch(context.Background(), req, reqBytes, time.Second)
	require.NoError(t, err)
	assert.Equal(t, dispatch.TargetAlternate, out.Winner.Target)
}

func TestDispatcher_ValidateRejectsQuestionMismatch(t *testing.T) {
	req, _ := buildQuery(t, "example.com")
	resp := buildAnswer(t, "other.com", net.IPv4(1, 2, 3, 4))
	d := dispatch.NewDispatcher(nil, nil, dispatch.NewAlternateChannel(dispatch.DefaultAlternateChannelConfig()))

	err := d.Validate(req, resp)
	assert.Error(t, err)
}

func TestDispatcher_ValidateRejectsBlacklistedAnswer(t *testing.T) {
	req, _ := buildQuery(t, "example.com")
	resp := buildAnswer(t, "example.com", net.IPv4(10, 0, 0, 1))

	blacklist := rules.NewIPFilterTable()
	require.NoError(t, blacklist.Add("10.0.0.0/8", rules.IPFilterDeny, rules.GroupMain, 0))

	d := dispatch.NewDispatcher(nil, nil, dispatch.NewAlternateChannel(dispatch.DefaultAlternateChannelConfig()))
	d.CheckBlacklist = func() *rules.IPFilterTable { return blacklist }

	err := d.Validate(req, resp)
	assert.Error(t, err)
}

func TestDispatcher_ValidateAcceptsCleanAnswer(t *testing.T) {
	req, _ := buildQuery(t, "example.com")
	resp := buildAnswer(t, "example.com", net.IPv4(8, 8, 8, 8))
	d := dispatch.NewDispatcher(nil, nil, dispatch.NewAlternateChannel(dispatch.DefaultAlternateChannelConfig()))

	assert.NoError(t, d.Validate(req, resp))
}
