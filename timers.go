package utcp

import (
	"time"

	"github.com/meshlink/utcp/internal/conntable"
	"github.com/meshlink/utcp/internal/wire"
)

// Tick drives every connection's timers and reaps connections that are
// both CLOSED and reapable, per spec.md §4.9/§9 ("freed when both reapable
// is true and it has entered CLOSED, by the next call to tick"). It
// returns the duration until the next timer is due, so the host can sleep
// exactly that long before calling Tick again.
func (e *Engine) Tick(now time.Time) time.Duration {
	e.now = now

	var dead []conntable.Key
	next := e.userTimeout
	if next <= 0 {
		next = time.Hour
	}

	e.table.All(func(key conntable.Key, c *Conn) bool {
		c.fireTimers()

		if c.state == StateClosed && c.reapable {
			dead = append(dead, key)
			return true
		}

		if d := nextDeadline(c, e.now); d >= 0 && d < next {
			next = d
		}

		e.metrics.observeConn(c)
		return true
	})

	for _, key := range dead {
		e.table.Delete(key)
	}

	return next
}

// nextDeadline returns the time remaining until c's soonest-armed timer,
// or -1 if none are armed.
func nextDeadline(c *Conn, now time.Time) time.Duration {
	best := time.Duration(-1)
	consider := func(t time.Time) {
		if t.IsZero() {
			return
		}
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		if best < 0 || d < best {
			best = d
		}
	}
	consider(c.rtrxTimeout)
	consider(c.connTimeout)
	consider(c.flushTimeout)
	return best
}

// fireTimers checks and fires every timer on c that is due, per
// spec.md §4.9.
func (c *Conn) fireTimers() {
	now := c.eng.now

	if !c.flushTimeout.IsZero() && !now.Before(c.flushTimeout) {
		c.flushFramed()
	}

	if !c.connTimeout.IsZero() && !now.Before(c.connTimeout) {
		c.onConnTimeout()
		return
	}

	if !c.rtrxTimeout.IsZero() && !now.Before(c.rtrxTimeout) {
		c.onRtrxTimeout()
	}
}

// onConnTimeout forces the connection closed with ETIMEDOUT.
func (c *Conn) onConnTimeout() {
	c.connTimeout = time.Time{}
	c.disarmRtrxTimeout()
	c.setState(StateClosed)
	c.notify(ErrTimedOut)
	c.reapable = true
}

// onRtrxTimeout implements spec.md §4.9's retransmission firing table:
// resend the handshake segment in SYN_SENT/SYN_RECEIVED, or collapse the
// congestion window and resend from snd.una in the data-transfer states.
// After any retransmission the RTO backs off, any in-flight RTT sample is
// invalidated, and dupack state resets.
func (c *Conn) onRtrxTimeout() {
	switch c.state {
	case StateSynSent:
		c.sendSYN(false)
	case StateSynReceived:
		c.sendSYN(true)
	case StateEstablished, StateFinWait1, StateCloseWait, StateClosing, StateLastAck:
		if c.isFramed() && !c.isReliable() {
			c.flushFramed()
		} else if c.isReliable() {
			flight := wire.SeqDiff(c.snd.nxt, c.snd.una)
			c.cc.OnTimeout(uint32(flight))
			c.retransmitFrom(c.snd.una, c.mss)
		}
	}

	c.snd.sampling = false
	c.rttEstimator.Backoff()
	c.rtrxTimeout = c.eng.now.Add(c.rttEstimator.RTO())
}
