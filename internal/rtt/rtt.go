// Package rtt implements RTT estimation and RTO computation per RFC 6298.
package rtt

import "time"

// StartRTO is the retransmission timeout used before any RTT sample has
// been taken.
const StartRTO = 1 * time.Second

// MaxRTO bounds the retransmission timeout after exponential backoff.
const MaxRTO = 3 * time.Second

// Estimator tracks smoothed RTT, RTT variance, and the derived RTO for a
// single connection.
type Estimator struct {
	srtt      time.Duration
	rttvar    time.Duration
	rto       time.Duration
	hasSample bool

	// Granularity is the clock granularity floor applied to RTO, per
	// RFC 6298's "RTO >= clock granularity" rule. It defaults to 1ms
	// and can be overridden by the engine's clock granularity option.
	Granularity time.Duration
}

// New returns an Estimator with RTO set to StartRTO and no sample yet.
func New() *Estimator {
	return &Estimator{
		rto:         StartRTO,
		Granularity: time.Millisecond,
	}
}

// Update folds a fresh RTT sample into the estimator and recomputes RTO.
// alpha = 1/8, beta = 1/4, K = 4, per RFC 6298 §2.2/§2.3.
func (e *Estimator) Update(sample time.Duration) {
	if !e.hasSample {
		e.srtt = sample
		e.rttvar = sample / 2
		e.hasSample = true
	} else {
		delta := e.srtt - sample
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = (3*e.rttvar + delta) / 4
		e.srtt = (7*e.srtt + sample) / 8
	}

	variance := 4 * e.rttvar
	if variance < e.Granularity {
		variance = e.Granularity
	}
	e.rto = e.srtt + variance
	if e.rto > MaxRTO {
		e.rto = MaxRTO
	}
}

// Backoff doubles RTO after a retransmission timeout, up to MaxRTO, per
// Karn's algorithm.
func (e *Estimator) Backoff() {
	e.rto *= 2
	if e.rto > MaxRTO {
		e.rto = MaxRTO
	}
}

// ResetToStart snaps RTO back down to StartRTO if it currently exceeds
// it, without discarding the accumulated srtt/rttvar sample. Used when
// the engine comes back online after being flagged offline, so the
// connection recovers quickly instead of waiting out a backed-off RTO
// from before the outage.
func (e *Estimator) ResetToStart() {
	if e.rto > StartRTO {
		e.rto = StartRTO
	}
}

// RTO returns the current retransmission timeout.
func (e *Estimator) RTO() time.Duration {
	return e.rto
}

// SRTT returns the current smoothed RTT estimate, or 0 before the first
// sample.
func (e *Estimator) SRTT() time.Duration {
	return e.srtt
}
