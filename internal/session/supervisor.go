package session

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/peercall/internal/callstate"
	"github.com/1ureka/peercall/internal/util"
)

// ReconnectPolicy bounds how a Supervisor recovers a call.
type ReconnectPolicy struct {
	// ConnectTimeout fails a call stuck in connecting; zero waits forever.
	ConnectTimeout time.Duration
	// Grace is how long reconnecting may last before it counts as failed.
	Grace time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultReconnectPolicy is used by the CLI when reconnection is enabled.
var DefaultReconnectPolicy = ReconnectPolicy{
	ConnectTimeout: 30 * time.Second,
	Grace:          10 * time.Second,
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
}

var errConnectTimeout = errors.New("timed out waiting for the peer connection")

// backoff returns the delay before the given (zero-based) attempt. A zero
// MaxBackoff leaves the delay uncapped.
func (p ReconnectPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 0; i < attempt && (p.MaxBackoff == 0 || d < p.MaxBackoff); i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// Supervisor wraps a Controller with timeout-based recovery: it fails calls
// that never connect and, on the initiator, restarts failed or long
// reconnecting calls with exponential backoff while the peer is present.
// The responder only times out; it recovers when the new offer arrives.
type Supervisor struct {
	c      *Controller
	policy ReconnectPolicy
}

// NewSupervisor attaches policy to c. Nothing happens until Run.
func NewSupervisor(c *Controller, policy ReconnectPolicy) *Supervisor {
	return &Supervisor{c: c, policy: policy}
}

type pending int

const (
	nothing pending = iota
	connectDeadline
	graceDeadline
	retry
)

// Run watches the call until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	updates, cancel := s.c.Subscribe()
	defer cancel()

	var (
		timer    *time.Timer
		timerC   <-chan time.Time
		action   = nothing
		attempts int
		last     = callstate.Idle
	)
	arm := func(d time.Duration, a pending) {
		if timer != nil {
			timer.Stop()
		}
		timer, timerC, action = nil, nil, nothing
		if a == nothing {
			return
		}
		timer = time.NewTimer(d)
		timerC, action = timer.C, a
	}
	defer arm(0, nothing)

	// scheduleRetry arms a restart when the initiator still has a peer and
	// attempts left.
	scheduleRetry := func(snap Snapshot) {
		if !s.c.cfg.Initiator || snap.Peer == nil {
			arm(0, nothing)
			return
		}
		if attempts >= s.policy.MaxAttempts {
			util.LogError("[%s] giving up after %d reconnection attempts", snap.SessionID, attempts)
			arm(0, nothing)
			return
		}
		d := s.policy.backoff(attempts)
		util.LogInfo("[%s] reconnecting in %s (attempt %d/%d)", snap.SessionID, d, attempts+1, s.policy.MaxAttempts)
		arm(d, retry)
	}

	enter := func(snap Snapshot) {
		if snap.State == last {
			return
		}
		last = snap.State
		switch snap.State {
		case callstate.Connecting:
			if s.policy.ConnectTimeout > 0 {
				arm(s.policy.ConnectTimeout, connectDeadline)
			}
		case callstate.Connected:
			attempts = 0
			arm(0, nothing)
		case callstate.Reconnecting:
			if s.policy.Grace > 0 {
				arm(s.policy.Grace, graceDeadline)
			}
		case callstate.Failed:
			scheduleRetry(snap)
		case callstate.Idle, callstate.Closed:
			attempts = 0
			arm(0, nothing)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap := <-updates:
			enter(snap)

		case <-timerC:
			a := action
			timer, timerC, action = nil, nil, nothing
			snap := s.c.Snapshot()
			switch a {
			case connectDeadline:
				if snap.State == callstate.Connecting {
					s.c.timeout(errConnectTimeout)
				}
			case graceDeadline:
				if snap.State == callstate.Reconnecting {
					util.LogWarning("[%s] peer unreachable for %s", snap.SessionID, s.policy.Grace)
					scheduleRetry(snap)
				}
			case retry:
				if snap.State == callstate.Failed || snap.State == callstate.Reconnecting {
					attempts++
					s.c.restart(ctx)
					last = -1
				}
			}
			// Updates are latest-wins, so look at the outcome directly.
			enter(s.c.Snapshot())
		}
	}
}

// timeout fails the current call generation with err.
func (c *Controller) timeout(err error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.fail(gen, err)
}
