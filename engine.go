// Package utcp implements a userspace, connection-oriented transport
// engine that layers TCP-like semantics over an unreliable, unordered
// datagram carrier supplied by the host. It is single-threaded
// cooperative: no operation blocks or spawns goroutines, and the host
// drives everything by calling Recv, Send, and Tick. A single Engine
// value must not be called concurrently from multiple goroutines; a
// host that needs that wraps it in its own sync.Mutex.
package utcp

import (
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/meshlink/utcp/internal/conntable"
	"github.com/meshlink/utcp/internal/pcap"
	"github.com/meshlink/utcp/internal/wire"
)

// EngineCallbacks are the host hooks that are not specific to any one
// connection.
type EngineCallbacks struct {
	// Send transmits a datagram on the underlying carrier. The return
	// value mirrors the datagram size on success; on a transient
	// failure (<=0) the engine logs and continues, relying on the
	// retransmit timer to try again.
	Send func(e *Engine, data []byte) (int, error)

	// Accept announces a completed passive open. Connections only
	// arrive this way if Accept is non-nil; otherwise inbound SYNs are
	// answered with RST.
	Accept func(c *Conn, localPort uint16)

	// PreAccept, if set, vetoes a passive open before any allocation:
	// returning false answers the SYN with RST instead.
	PreAccept func(e *Engine, localPort uint16) bool
}

// Engine multiplexes any number of connections over one datagram
// carrier, identified from each other purely by (local port, remote
// port) — the engine has no notion of network addresses; that is the
// host carrier's job.
type Engine struct {
	cb EngineCallbacks

	log *slog.Logger

	mtu         int
	mss         uint32
	userTimeout time.Duration
	flushTimeout time.Duration
	granularity time.Duration
	offline     bool
	deterministicISS bool

	clock func() time.Time
	now   time.Time

	retransmitObserver func(*Conn)

	table *conntable.Table[*Conn]

	// scratch is the engine's single reusable send-path buffer, sized
	// MTU+header. It is written only by the send path and must never be
	// retained or aliased by a callback.
	scratch []byte

	capture *pcap.Writer

	metrics *metrics

	rng *rand.Rand
}

// New constructs an Engine. cb.Send is required; all other callbacks and
// options are optional.
func New(cb EngineCallbacks, opts ...Option) (*Engine, error) {
	if cb.Send == nil {
		return nil, fmt.Errorf("utcp: new engine: %w", ErrFault)
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		cb:                 cb,
		log:                cfg.logger,
		mtu:                cfg.mtu,
		userTimeout:        cfg.userTimeout,
		flushTimeout:       cfg.flushTimeout,
		granularity:        cfg.granularity,
		deterministicISS:   cfg.deterministicISS,
		clock:              cfg.clock,
		retransmitObserver: cfg.retransmit,
		table:              conntable.New[*Conn](),
		metrics:            newMetrics(cfg.metricsRegistry),
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.now = e.clock()
	e.recomputeMSS()
	e.scratch = make([]byte, e.mtu+wire.HeaderLen)

	if cfg.captureWriter != nil {
		w := pcap.NewWriter(cfg.captureWriter)
		if err := w.WriteFileHeader(uint32(e.mtu), pcap.LinkTypeRaw); err != nil {
			return nil, fmt.Errorf("utcp: new engine: packet capture: %w", err)
		}
		e.capture = w
	}

	return e, nil
}

func (e *Engine) recomputeMSS() {
	mss := e.mtu - wire.HeaderLen
	if mss < 1 {
		mss = 1
	}
	e.mss = uint32(mss)
}

// SetMTU updates the path MTU, recomputing MSS and updating every
// connection's segment size, per original_source/src/utcp.c's
// utcp_set_mtu. Each connection's congestion controller keeps the MSS it
// was created with: its one-segment cwnd floor and growth step are not
// recomputed.
func (e *Engine) SetMTU(mtu int) {
	e.mtu = mtu
	e.recomputeMSS()
	e.scratch = make([]byte, e.mtu+wire.HeaderLen)

	e.table.All(func(_ conntable.Key, c *Conn) bool {
		c.mss = e.mss
		return true
	})
}

// SetOffline flags the whole engine offline or back online, per
// original_source/src/utcp.c's utcp_offline. Both transitions apply
// ExpectData(offline) to every connection (arming the conn timeout
// going offline, since a known-dead carrier should still eventually
// time out a connection that never recovers; releasing it coming back
// online if nothing is unacked). Coming back online additionally snaps
// every already-armed retransmit timer to "now" and resets each RTO
// toward rtt.StartRTO, so connections recover quickly instead of
// waiting out a backed-off timeout accumulated during the outage.
func (e *Engine) SetOffline(offline bool) {
	e.offline = offline

	e.table.All(func(_ conntable.Key, c *Conn) bool {
		if c.reapable {
			return true
		}
		c.ExpectData(offline)

		if !offline {
			if !c.rtrxTimeout.IsZero() {
				c.rtrxTimeout = e.now
			}
			c.snd.sampling = false
			c.rttEstimator.ResetToStart()
		}
		return true
	})
}

// newISS picks an initial send sequence number: 0 in deterministic-ISS mode
// (for reproducible test traces), otherwise a random value, per
// original_source/src/utcp.c's UTCP_DEBUG ifdef.
func (e *Engine) newISS() uint32 {
	if e.deterministicISS {
		return 0
	}
	return e.rng.Uint32()
}

// nextEphemeralPort picks a free local port for an active connect,
// retrying on collision the way spec.md §4.2 describes ("collision on
// active connect when src==0: retry with next port").
func (e *Engine) nextEphemeralPort(remote uint16) (uint16, error) {
	start := uint16(e.rng.Intn(1<<16-1024) + 1024)
	for i := 0; i < 1<<16; i++ {
		port := start + uint16(i)
		if port == 0 {
			continue
		}
		if !e.table.Has((conntable.Key{Local: port, Remote: remote})) {
			return port, nil
		}
	}
	return 0, ErrAddrInUse
}
