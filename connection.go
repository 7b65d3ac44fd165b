package utcp

import (
	"fmt"
	"time"

	"github.com/meshlink/utcp/internal/conntable"
	"github.com/meshlink/utcp/internal/congestion"
	"github.com/meshlink/utcp/internal/ring"
	"github.com/meshlink/utcp/internal/rtt"
	"github.com/meshlink/utcp/internal/sack"
)

// ShutdownHow selects which half of a connection to shut down.
type ShutdownHow int

const (
	ShutdownRD ShutdownHow = iota
	ShutdownWR
	ShutdownRDWR
)

// ConnCallbacks are the per-connection, synchronous host hooks, captured
// once when the connection is created (by Connect or by an accepted
// passive open) rather than looked up dynamically on every packet.
type ConnCallbacks struct {
	// Recv delivers payload bytes in send-order (reliable modes) or as
	// received (unreliable modes). len(data)==0 signals peer EOF; a
	// non-nil err alongside it signals a fatal local condition
	// (e.g. ErrTimedOut, ErrConnReset).
	Recv func(c *Conn, data []byte, err error)

	// Poll edge-triggers once whenever the send window transitions
	// from full to having room again.
	Poll func(c *Conn, freeBytes int)
}

// sendVars mirrors spec.md §3's snd.* fields.
type sendVars struct {
	una uint32 // oldest unacknowledged sequence number
	nxt uint32 // next sequence number to send
	last uint32 // snd.una + bytes enqueued (sequence number one past last enqueued byte)
	wnd  uint32 // last window size advertised by the peer

	frameOffset uint32 // framed-unreliable mode: leadingFrameBytes(sndbuf) after the last sent segment; informational only

	rttSeq   uint32 // sequence number the in-flight RTT sample is measuring
	rttStart time.Time
	sampling bool
}

// recvVars mirrors spec.md §3's rcv.* fields.
type recvVars struct {
	nxt uint32 // next in-order sequence number expected
	wnd uint32 // window we advertise to the peer
}

// Conn is a single utcp connection, either the stream/TCP-like reliable
// mode, unreliable datagrams, or unreliable framed datagrams, selected
// by its flag bits.
type Conn struct {
	eng *Engine

	localPort  uint16
	remotePort uint16

	state State
	flags uint32

	iss uint32 // initial send sequence number
	irs uint32 // initial recv sequence number

	shutRD bool
	shutWR bool

	snd sendVars
	rcv recvVars

	sndbuf *ring.Buffer
	rcvbuf *ring.Buffer

	// frameStage holds bytes handed off by the out-of-order reassembly
	// path once they become part of the contiguous stream, awaiting a
	// complete length-prefixed frame. It is a plain FIFO, independent of
	// rcv.nxt/SACK offsets, used only in FRAMED+RELIABLE mode.
	frameStage *ring.Buffer

	sacks sack.List

	rttEstimator *rtt.Estimator
	cc           *congestion.Control

	rtrxTimeout  time.Time // zero value = disarmed
	connTimeout  time.Time
	flushTimeout time.Time
	expectData   bool

	mss uint32

	cb ConnCallbacks

	doPoll   bool // edge-trigger latch: window was full, waiting to report free space
	reapable bool

	noDelay   bool
	keepAlive bool

	userTimeout time.Duration

	// 1-shot notification already delivered to Recv with err != nil,
	// so Tick/handlePacket don't double-report a terminal condition.
	notified bool
}

func (c *Conn) key() conntable.Key {
	return conntable.Key{Local: c.localPort, Remote: c.remotePort}
}

// newConn allocates a connection in CLOSED state with buffers and
// congestion/RTT state initialized from cfg and the engine's current MSS.
func newConn(e *Engine, local, remote uint16, cfg connConfig, cb ConnCallbacks) *Conn {
	mss := uint32(e.mss)
	c := &Conn{
		eng:          e,
		localPort:    local,
		remotePort:   remote,
		flags:        cfg.flags,
		sndbuf:       ring.New(cfg.maxSndBuf),
		rcvbuf:       ring.New(cfg.maxRcvBuf),
		frameStage:   ring.New(MaxUnreliableSize),
		rttEstimator: rtt.New(),
		cb:           cb,
		userTimeout:  e.userTimeout,
		mss:          mss,
		noDelay:      cfg.noDelay,
		keepAlive:    cfg.keepAlive,
	}
	c.rttEstimator.Granularity = e.granularity
	c.cc = congestion.New(mss, cfg.maxSndBuf)
	c.sndbuf.SetMaxSize(DefaultSndBufSize, cfg.maxSndBuf)
	c.rcv.wnd = cfg.maxRcvBuf
	e.metrics.observeState(e, StateClosed, StateClosed)
	return c
}

// State returns the connection's current state.
func (c *Conn) State() State { return c.state }

// LocalPort and RemotePort identify the connection within its engine.
func (c *Conn) LocalPort() uint16  { return c.localPort }
func (c *Conn) RemotePort() uint16 { return c.remotePort }

// ExpectData arms or disarms the connection timeout in anticipation of
// more inbound data, per original_source/src/utcp.c's utcp_expect_data:
// arming it when nothing is currently armed lets a host that knows
// traffic is imminent avoid a premature ETIMEDOUT, and disarming it once
// nothing is unacknowledged lets an idle connection sit without a timer.
func (c *Conn) ExpectData(expect bool) {
	c.expectData = expect
	if expect {
		if c.connTimeout.IsZero() && c.state.isActive() {
			c.connTimeout = c.eng.now.Add(c.userTimeout)
		}
		return
	}
	if c.snd.una == c.snd.last {
		c.connTimeout = time.Time{}
	}
}

// SetFlags updates the mutable subset of the connection's flag bits
// (FRAMED, DROP_LATE); other bits are ignored.
func (c *Conn) SetFlags(flags uint32) {
	c.flags = (c.flags &^ mutableFlags) | (flags & mutableFlags)
}

// NoDelay and SetNoDelay get and set the connection's nodelay flag, per
// original_source/src/utcp.c's utcp_get_nodelay/utcp_set_nodelay. The
// engine never coalesces small writes regardless of this flag; it is
// carried purely for hosts that want to read back what they asked for.
func (c *Conn) NoDelay() bool { return c.noDelay }

func (c *Conn) SetNoDelay(v bool) { c.noDelay = v }

// KeepAlive and SetKeepAlive get and set the connection's keepalive
// flag, per original_source/src/utcp.c's utcp_get_keepalive/
// utcp_set_keepalive. The engine has no keepalive probe of its own;
// this is bookkeeping a host can act on from its own Tick loop.
func (c *Conn) KeepAlive() bool { return c.keepAlive }

func (c *Conn) SetKeepAlive(v bool) { c.keepAlive = v }

// armConnTimeout starts the user timeout if it is not already running.
func (c *Conn) armConnTimeout() {
	if c.connTimeout.IsZero() {
		c.connTimeout = c.eng.now.Add(c.userTimeout)
	}
}

// armRtrxTimeout starts the retransmit timer if it is not already
// running.
func (c *Conn) armRtrxTimeout() {
	if c.rtrxTimeout.IsZero() {
		c.rtrxTimeout = c.eng.now.Add(c.rttEstimator.RTO())
	}
}

func (c *Conn) disarmRtrxTimeout() {
	c.rtrxTimeout = time.Time{}
}

// notify delivers a terminal condition to the recv callback exactly
// once, matching the engine's single-report-per-teardown rule.
func (c *Conn) notify(err error) {
	if c.notified || c.cb.Recv == nil {
		return
	}
	c.notified = true
	c.cb.Recv(c, nil, err)
}

// setState transitions the connection, logging at debug level the way
// the teacher logs connection lifecycle events in netstack.go.
func (c *Conn) setState(s State) {
	if c.state == s {
		return
	}
	old := c.state
	c.eng.log.Debug("utcp: state transition", "conn", c.String(), "from", old, "to", s)
	c.state = s
	c.eng.metrics.observeState(c.eng, old, s)
}

// String identifies the connection for logging.
func (c *Conn) String() string {
	return fmt.Sprintf("utcp(%d->%d)", c.localPort, c.remotePort)
}
