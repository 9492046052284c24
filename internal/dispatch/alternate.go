// Package dispatch implements the upstream dispatcher: the
// AlternateChannel health-switching state machine, fan-out policies,
// response validation, and tie-break rules that decide which of several
// concurrently dispatched attempts wins a query.
//
// Grounded on the teacher's forwarding resolver's upstream health
// tracking (markFailed/markHealthy/canTryUpstream) generalized from a
// fixed one-hour cooldown into the full Main/Alternate swap state
// machine spec.md §4.4 describes, and its validateResponse function
// (reused here as the base of Validate, extended with the blacklist
// check). Validate itself performs no DNSCurve check.
package dispatch

import (
	"sync"
	"time"
)

// Target identifies which side of an AlternateChannel an attempt runs
// against.
type Target int

const (
	TargetMain Target = iota
	TargetAlternate
)

// String returns the human-readable target name.
func (t Target) String() string {
	if t == TargetAlternate {
		return "alternate"
	}
	return "main"
}

// AlternateChannelConfig tunes the swap state machine.
type AlternateChannelConfig struct {
	// AlternateTimes is the failure count within AlternateTimeRange that
	// triggers a swap to Alternate.
	AlternateTimes int
	// AlternateTimeRange is the sliding window failures are counted over.
	AlternateTimeRange time.Duration
	// AlternateResetTime is how long the channel stays swapped to
	// Alternate before reverting to Main.
	AlternateResetTime time.Duration
}

// DefaultAlternateChannelConfig returns conservative defaults: 3
// failures within 10 seconds trips the swap, which then holds for 5
// minutes before reverting.
func DefaultAlternateChannelConfig() AlternateChannelConfig {
	return AlternateChannelConfig{
		AlternateTimes:      3,
		AlternateTimeRange:  10 * time.Second,
		AlternateResetTime:  5 * time.Minute,
	}
}

// AlternateChannel tracks one upstream class's Main/Alternate health
// state: a sliding failure-count window that trips a swap to Alternate,
// and a swap_until deadline that reverts to Main once it elapses.
//
// Safe for concurrent use.
type AlternateChannel struct {
	mu sync.Mutex

	cfg AlternateChannelConfig

	isSwapped    bool
	timeoutCount int
	windowStart  time.Time
	swapUntil    time.Time
}

// NewAlternateChannel returns a channel starting on Main.
func NewAlternateChannel(cfg AlternateChannelConfig) *AlternateChannel {
	return &AlternateChannel{cfg: cfg}
}

// ActiveTarget returns which target new attempts should prefer, first
// reverting to Main if swap_until has elapsed.
func (c *AlternateChannel) ActiveTarget(now time.Time) Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeRevertLocked(now)
	if c.isSwapped {
		return TargetAlternate
	}
	return TargetMain
}

// ReportResult records the outcome of a completed attempt against
// target. A failure increments the active window's counter (resetting
// the window first if it has expired) and trips the swap once the
// configured threshold is reached within the window. A success against
// Main has no effect on the swap state; a success against Alternate
// doesn't revert early — only swap_until does, per spec.md §4.4.
func (c *AlternateChannel) ReportResult(target Target, success bool, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeRevertLocked(now)
	if success {
		return
	}

	if c.windowStart.IsZero() || now.Sub(c.windowStart) >= c.cfg.AlternateTimeRange {
		c.windowStart = now
		c.timeoutCount = 0
	}
	c.timeoutCount++

	if !c.isSwapped && c.timeoutCount >= c.cfg.AlternateTimes {
		c.isSwapped = true
		c.swapUntil = now.Add(c.cfg.AlternateResetTime)
	}
}

// maybeRevertLocked reverts the channel to Main if swap_until has
// elapsed. Caller must hold c.mu.
func (c *AlternateChannel) maybeRevertLocked(now time.Time) {
	if c.isSwapped && !c.swapUntil.IsZero() && !now.Before(c.swapUntil) {
		c.isSwapped = false
		c.timeoutCount = 0
		c.windowStart = time.Time{}
		c.swapUntil = time.Time{}
	}
}

// Snapshot reports the channel's current raw state, for metrics/admin
// API exposure.
type Snapshot struct {
	IsSwapped    bool
	TimeoutCount int
	WindowStart  time.Time
	SwapUntil    time.Time
}

// Snapshot returns the channel's current state.
func (c *AlternateChannel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		IsSwapped:    c.isSwapped,
		TimeoutCount: c.timeoutCount,
		WindowStart:  c.windowStart,
		SwapUntil:    c.swapUntil,
	}
}
