package utcp

import "time"

// carrier wires two engines together through an in-memory datagram queue,
// standing in for the host's real transport. Each engine's Send callback
// enqueues onto the peer's inbox; drain delivers everything queued so far
// by calling Recv on the receiving engine. Nothing here is part of the
// package under test — it is scaffolding for the scenario tests, in the
// same spirit as the teacher's own loopback test fixtures.
type carrier struct {
	a, b     *Engine
	toA, toB [][]byte
}

func newCarrier() *carrier {
	return &carrier{}
}

func (c *carrier) sendTo(dst *[][]byte) func(e *Engine, data []byte) (int, error) {
	return func(e *Engine, data []byte) (int, error) {
		cp := append([]byte(nil), data...)
		*dst = append(*dst, cp)
		return len(data), nil
	}
}

// drain delivers every queued datagram to its destination engine, looping
// until both queues are empty (since delivery can itself enqueue more
// datagrams, e.g. an ACK provoking a reply).
func (c *carrier) drain() {
	for len(c.toA) > 0 || len(c.toB) > 0 {
		toA, toB := c.toA, c.toB
		c.toA, c.toB = nil, nil
		for _, pkt := range toA {
			_ = c.a.Recv(pkt)
		}
		for _, pkt := range toB {
			_ = c.b.Recv(pkt)
		}
	}
}

// fakeClock lets tests advance both engines' notion of "now" in lockstep
// without a real wall clock, so timer-driven behavior (RTO, flush) is
// deterministic.
type fakeClock struct {
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }
