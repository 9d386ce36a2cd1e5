package client

import (
	"github.com/ValentinKolb/dStor/rpc/common"
	"time"
)

// retryDecision is what the retry controller does with one waiting session
type retryDecision uint8

const (
	retryFinalize retryDecision = iota // give up with the session's error
	retryFailover                      // switch to the buddy, no wait, no budget
	retryCooldown                      // wait for mirror states to settle, no budget
	retryAgain                         // peer asked to retry, no budget
	retryBackoff                       // regular retry with backoff, consumes budget
)

// waiter is a session in StateRetryWait together with its targets' health
type waiter struct {
	s        *TargetSession
	current  common.TargetState
	buddy    common.TargetState
	hasBuddy bool
	known    bool
}

// handleRetries is called when every session is either done or waiting for a
// retry. It decides per waiting session whether to give up, fail over to the
// buddy mirror, wait for target states to settle or retry with backoff. All
// waits of one round are merged into a single sleep.
func (d *driver) handleRetries(sessions []*TargetSession) {
	var waiters []waiter
	for _, s := range sessions {
		if s.state == StateRetryWait {
			waiters = append(waiters, d.inspect(s))
		}
	}

	// Interrupted sessions neither wait nor consume budget
	if d.ctx.Err() != nil {
		d.interrupt(waiters)
		return
	}

	// A partitioned mirror group makes every further attempt pointless
	for _, w := range waiters {
		if w.hasBuddy && isOffline(w.current) && isOffline(w.buddy) {
			Logger.Warningf("Both buddies of %s are offline, giving up %d waiting requests", w.s, len(waiters))
			for _, o := range waiters {
				d.finalize(o.s, common.OpsErrCommunication)
			}
			return
		}
	}

	var wait time.Duration
	var consumeBudget bool
	var resume []*TargetSession

	for _, w := range waiters {
		switch d.decide(w) {
		case retryFinalize:
			code := w.s.failed()
			if !w.known {
				code = common.OpsErrUnknownTarget
			}
			d.finalize(w.s, code)
			continue

		case retryFailover:
			w.s.UseSecondary = !w.s.UseSecondary
			failoversTotal.Inc()
			Logger.Infof("Switching %s to its buddy", w.s)

		case retryCooldown:
			wait = maxDuration(wait, time.Duration(d.ioc.Config.TargetStateCooldownMillis)*time.Millisecond)

		case retryAgain:
			wait = maxDuration(wait, time.Duration(d.ioc.Config.TryAgainWaitMillis)*time.Millisecond)

		case retryBackoff:
			if d.rc.maxRetries != 0 && d.rc.CurrentRetryNum >= d.rc.maxRetries {
				code := w.s.failed()
				if code == common.OpsErrAgain {
					code = common.OpsErrCommunication
				}
				Logger.Warningf("Giving up %s request for %s after %d retries: %s", d.st.Name, w.s, d.rc.CurrentRetryNum, code)
				d.finalize(w.s, code)
				continue
			}
			consumeBudget = true
			wait = maxDuration(wait, d.ioc.Config.RetryWait(d.rc.CurrentRetryNum))
		}
		resume = append(resume, w.s)
	}

	if len(resume) == 0 {
		return
	}

	if wait > 0 {
		Logger.Debugf("Retrying %d %s requests in %s", len(resume), d.st.Name, wait)
		if err := d.ioc.sleep(d.ctx, wait); err != nil && d.ctx.Err() != nil {
			for _, s := range resume {
				d.finalize(s, common.OpsErrInterrupted)
			}
			return
		}
	}
	if consumeBudget {
		d.rc.CurrentRetryNum++
		retriesTotal.Inc()
	}

	for _, s := range resume {
		s.state = StatePrepare
	}
}

// decide picks the retry action for one waiting session
func (d *driver) decide(w waiter) retryDecision {
	switch {
	case !w.known:
		return retryFinalize
	case !w.hasBuddy && isOffline(w.current):
		return retryFinalize
	case w.hasBuddy && d.st.Flags&RetryBuddyFallback != 0 && !w.current.Healthy() && w.buddy.Healthy():
		return retryFailover
	case w.hasBuddy && !w.current.Healthy() && !w.buddy.Healthy():
		return retryCooldown
	case d.st.Flags&RetryLoopAgain != 0 && w.s.failed() == common.OpsErrAgain:
		return retryAgain
	default:
		return retryBackoff
	}
}

// inspect looks up the health of the session's current target and its buddy
func (d *driver) inspect(s *TargetSession) waiter {
	w := waiter{s: s}

	current, buddy := s.TargetID, uint16(0)
	if s.Mirrored {
		var okP, okS bool
		var primary, secondary uint16
		if d.ioc.Mirrors != nil {
			primary, okP = d.ioc.Mirrors.PrimaryOf(s.TargetID)
			secondary, okS = d.ioc.Mirrors.SecondaryOf(s.TargetID)
		}
		if !okP || !okS {
			return w
		}
		current, buddy = primary, secondary
		if s.UseSecondary {
			current, buddy = secondary, primary
		}
		w.hasBuddy = true
	}

	var ok bool
	if w.current, ok = d.ioc.States.GetCombinedState(current); !ok {
		return w
	}
	if w.hasBuddy {
		if w.buddy, ok = d.ioc.States.GetCombinedState(buddy); !ok {
			return w
		}
	}
	w.known = true
	return w
}

// interrupt ends all waiting sessions after the operation was cancelled
func (d *driver) interrupt(waiters []waiter) {
	for _, w := range waiters {
		d.finalize(w.s, common.OpsErrInterrupted)
	}
}

// finalize ends a waiting session with code
func (d *driver) finalize(s *TargetSession, code common.OpsErr) {
	s.fail(code)
	s.state = StateDone
}

func isOffline(state common.TargetState) bool {
	return state.Reachability == common.ReachabilityOffline
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
