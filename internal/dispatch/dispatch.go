package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jroosing/hydracurve/internal/dns"
	"github.com/jroosing/hydracurve/internal/rules"
	"github.com/jroosing/hydracurve/internal/transport"
)

// FanOutPolicy selects how a query is spread across the Main/Alternate
// servers for an upstream class, per spec.md §4.4.
type FanOutPolicy int

const (
	// Single tries Main; only on failure does it try Alternate.
	Single FanOutPolicy = iota
	// AlternateMultipleRequest fires Main and Alternate simultaneously
	// and accepts the first valid answer, cancelling the loser.
	AlternateMultipleRequest
	// MultipleRequestTimes fires N parallel attempts at the same target,
	// for lossy TCP/DNSCurve-TCP paths; N is carried on Dispatcher.Replicas.
	MultipleRequestTimes
)

// Server describes one upstream endpoint and the adapter that knows how
// to speak to it.
type Server struct {
	Address string
	Adapter transport.Adapter
}

// Attempt is one dispatched (server, transport) pair produced by a
// fan-out policy.
type Attempt struct {
	Target Target
	Server Server
}

// Outcome is the result of racing a set of attempts.
type Outcome struct {
	ResponseBytes []byte
	Winner        Attempt
}

var (
	// ErrAllAttemptsFailed is returned when no attempt produced a valid
	// response.
	ErrAllAttemptsFailed = errors.New("dispatch: all attempts failed")
	// ErrNoServers is returned when Main (and, if configured, Alternate)
	// have no server configured at all.
	ErrNoServers = errors.New("dispatch: no servers configured")
)

// Dispatcher races a set of transport attempts against an upstream
// class's Main/Alternate servers, validating each response and
// selecting a winner per spec.md §4.4's tie-break rule: earliest arrival
// wins, and Main wins a same-tick tie over Alternate.
type Dispatcher struct {
	Main      *Server
	Alternate *Server
	Channel   *AlternateChannel
	Policy    FanOutPolicy
	Replicas  int // used only when Policy == MultipleRequestTimes

	// CheckBlacklist, if non-nil, is consulted on every Validate call to
	// reject any A/AAAA answer address it denies. It's a getter rather
	// than a fixed table so a Dispatcher built once at startup keeps
	// seeing whatever IPFilterTable the most recent rules.Store reload
	// swapped in, instead of pinning the blacklist view to startup time.
	CheckBlacklist func() *rules.IPFilterTable
}

// NewDispatcher returns a Dispatcher for a Main server, with an optional
// Alternate. Channel must not be nil.
func NewDispatcher(main, alternate *Server, channel *AlternateChannel) *Dispatcher {
	return &Dispatcher{Main: main, Alternate: alternate, Channel: channel, Policy: Single}
}

// attempts builds the Attempt list for the current fan-out policy and
// channel state.
func (d *Dispatcher) attempts(now time.Time) ([]Attempt, error) {
	if d.Main == nil && d.Alternate == nil {
		return nil, ErrNoServers
	}

	preferred := d.Channel.ActiveTarget(now)
	primary, secondary := d.Main, d.Alternate
	primaryTarget, secondaryTarget := TargetMain, TargetAlternate
	if preferred == TargetAlternate && d.Alternate != nil {
		primary, secondary = d.Alternate, d.Main
		primaryTarget, secondaryTarget = TargetAlternate, TargetMain
	}

	switch d.Policy {
	case AlternateMultipleRequest:
		var out []Attempt
		if d.Main != nil {
			out = append(out, Attempt{Target: TargetMain, Server: *d.Main})
		}
		if d.Alternate != nil {
			out = append(out, Attempt{Target: TargetAlternate, Server: *d.Alternate})
		}
		return out, nil
	case MultipleRequestTimes:
		n := d.Replicas
		if n <= 0 {
			n = 1
		}
		var out []Attempt
		if primary != nil {
			for i := 0; i < n; i++ {
				out = append(out, Attempt{Target: primaryTarget, Server: *primary})
			}
		}
		return out, nil
	default: // Single
		var out []Attempt
		if primary != nil {
			out = append(out, Attempt{Target: primaryTarget, Server: *primary})
		} else if secondary != nil {
			out = append(out, Attempt{Target: secondaryTarget, Server: *secondary})
		}
		return out, nil
	}
}

// Dispatch runs the configured fan-out policy for req/reqBytes and
// returns the first validated winning response.
//
// For Single, attempts run sequentially (primary, then a fallback to
// the other target on failure — mirroring the original's Main-then-
// Alternate retry). For AlternateMultipleRequest and
// MultipleRequestTimes, attempts race concurrently and the first
// validated response wins; losers' contexts are cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, req dns.Packet, reqBytes []byte, timeout time.Duration) (Outcome, error) {
	now := time.Now()
	atts, err := d.attempts(now)
	if err != nil {
		return Outcome{}, err
	}
	if len(atts) == 0 {
		return Outcome{}, ErrNoServers
	}

	if d.Policy == Single {
		return d.dispatchSequential(ctx, atts, req, reqBytes, timeout)
	}
	return d.dispatchRace(ctx, atts, req, reqBytes, timeout)
}

func (d *Dispatcher) dispatchSequential(ctx context.Context, atts []Attempt, req dns.Packet, reqBytes []byte, timeout time.Duration) (Outcome, error) {
	// Single also falls back to the other target if the preferred one
	// has no attempt at all (handled in attempts()); here we additionally
	// retry against the channel's non-preferred target on failure.
	var lastErr error
	tried := make(map[Target]bool)
	queue := append([]Attempt{}, atts...)
	if len(queue) == 1 {
		other := TargetAlternate
		otherServer := d.Alternate
		if queue[0].Target == TargetAlternate {
			other = TargetMain
			otherServer = d.Main
		}
		if otherServer != nil {
			queue = append(queue, Attempt{Target: other, Server: *otherServer})
		}
	}

	for _, a := range queue {
		if tried[a.Target] {
			continue
		}
		tried[a.Target] = true

		resp, err := a.Server.Adapter.Query(ctx, a.Server.Address, reqBytes, timeout)
		if err != nil {
			d.Channel.ReportResult(a.Target, false, time.Now())
			lastErr = err
			continue
		}
		if verr := d.Validate(req, resp); verr != nil {
			d.Channel.ReportResult(a.Target, false, time.Now())
			lastErr = verr
			continue
		}
		d.Channel.ReportResult(a.Target, true, time.Now())
		return Outcome{ResponseBytes: resp, Winner: a}, nil
	}

	if lastErr != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrAllAttemptsFailed, lastErr)
	}
	return Outcome{}, ErrAllAttemptsFailed
}

type raceResult struct {
	attempt Attempt
	resp    []byte
	err     error
	arrival time.Time
}

func (d *Dispatcher) dispatchRace(ctx context.Context, atts []Attempt, req dns.Packet, reqBytes []byte, timeout time.Duration) (Outcome, error) {
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, len(atts))
	for _, a := range atts {
		a := a
		go func() {
			resp, err := a.Server.Adapter.Query(raceCtx, a.Server.Address, reqBytes, timeout)
			results <- raceResult{attempt: a, resp: resp, err: err, arrival: time.Now()}
		}()
	}

	var best *raceResult
	var lastErr error
	for range atts {
		r := <-results
		if r.err != nil {
			if best != nil && raceCtx.Err() != nil {
				// Cancelled as a loser after a winner arrived: not a failure.
				continue
			}
			d.Channel.ReportResult(r.attempt.Target, false, time.Now())
			lastErr = r.err
			continue
		}
		if verr := d.Validate(req, r.resp); verr != nil {
			d.Channel.ReportResult(r.attempt.Target, false, time.Now())
			lastErr = verr
			continue
		}
		d.Channel.ReportResult(r.attempt.Target, true, time.Now())
		if best == nil || isEarlierWinner(r, *best) {
			rc := r
			best = &rc
		}
		cancel()
	}
	cancel()

	if best == nil {
		if lastErr != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrAllAttemptsFailed, lastErr)
		}
		return Outcome{}, ErrAllAttemptsFailed
	}
	return Outcome{ResponseBytes: best.resp, Winner: best.attempt}, nil
}

// isEarlierWinner applies spec.md §4.4's tie-break: strictly earlier
// arrival wins; on an exact tie, Main beats Alternate.
func isEarlierWinner(candidate, current raceResult) bool {
	if candidate.arrival.Before(current.arrival) {
		return true
	}
	if candidate.arrival.Equal(current.arrival) {
		return candidate.attempt.Target == TargetMain && current.attempt.Target == TargetAlternate
	}
	return false
}

// Validate applies the response-validation checks spec.md §4.4
// requires before a response is allowed to win: the parsed response
// must carry the same question, not be truncated, and (when
// CheckBlacklist is set) contain no blacklisted A/AAAA address.
func (d *Dispatcher) Validate(req dns.Packet, respBytes []byte) error {
	resp, err := dns.ParsePacket(respBytes)
	if err != nil {
		return fmt.Errorf("parsing upstream response: %w", err)
	}
	if len(req.Questions) == 0 {
		return errors.New("dispatch: request has no question to validate against")
	}
	if len(resp.Questions) == 0 {
		return errors.New("dispatch: response has no question section")
	}

	reqQ := req.Questions[0]
	resQ := resp.Questions[0]
	if !equalDNSNames(reqQ.Name, resQ.Name) {
		return fmt.Errorf("dispatch: QNAME mismatch: expected %s, got %s", reqQ.Name, resQ.Name)
	}
	if reqQ.Type != resQ.Type || reqQ.Class != resQ.Class {
		return errors.New("dispatch: QTYPE/QCLASS mismatch")
	}
	if dns.IsTruncated(respBytes) {
		return errors.New("dispatch: response truncated")
	}

	if d.CheckBlacklist != nil {
		if table := d.CheckBlacklist(); table != nil {
			for _, rr := range resp.Answers {
				addr, ok := dns.IPString(rr)
				if !ok {
					continue
				}
				ip := net.ParseIP(addr)
				if ip == nil {
					continue
				}
				if table.Evaluate(ip) == rules.IPFilterDeny {
					return fmt.Errorf("dispatch: answer address %s is blacklisted", addr)
				}
			}
		}
	}
	return nil
}

func equalDNSNames(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}
