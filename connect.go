package utcp

import (
	"fmt"

	"github.com/meshlink/utcp/internal/conntable"
	"github.com/meshlink/utcp/internal/wire"
)

// Connect actively opens a connection to remotePort. localPort==0 asks the
// engine to allocate one, retrying on collision, per spec.md §4.2.
func (e *Engine) Connect(localPort, remotePort uint16, cb ConnCallbacks, opts ...ConnOption) (*Conn, error) {
	e.now = e.clock()

	cfg := defaultConnConfig()
	cfg.flags = FlagsTCP
	for _, opt := range opts {
		opt(&cfg)
	}

	if localPort == 0 {
		port, err := e.nextEphemeralPort(remotePort)
		if err != nil {
			return nil, fmt.Errorf("utcp: connect: %w", err)
		}
		localPort = port
	} else if e.table.Has((conntable.Key{Local: localPort, Remote: remotePort})) {
		return nil, fmt.Errorf("utcp: connect: %w", ErrAddrInUse)
	}

	c := newConn(e, localPort, remotePort, cfg, cb)
	iss := e.newISS()
	c.iss = iss
	c.snd.una = iss
	c.snd.nxt, c.snd.last = iss+1, iss+1

	if !e.table.Insert(c.key(), c) {
		return nil, fmt.Errorf("utcp: connect: %w", ErrAddrInUse)
	}

	c.setState(StateSynSent)
	c.sendSYN(false)
	c.armConnTimeout()

	return c, nil
}

// Shutdown implements spec.md §4.10. ShutdownRD drops the recv callback
// (future inbound data and EOF are silently discarded); ShutdownWR sends
// FIN at most once, moving ESTABLISHED to FIN_WAIT_1 or CLOSE_WAIT to
// CLOSING.
func (c *Conn) Shutdown(how ShutdownHow) error {
	if c.reapable {
		return ErrBadFile
	}
	if c.state == StateClosed || c.state == StateListen {
		return ErrNotConnected
	}

	if how == ShutdownRD || how == ShutdownRDWR {
		c.shutRD = true
	}

	if how == ShutdownWR || how == ShutdownRDWR {
		if c.shutWR {
			return nil
		}
		c.shutWR = true
		c.snd.last++

		switch c.state {
		case StateEstablished:
			c.setState(StateFinWait1)
		case StateCloseWait:
			c.setState(StateClosing)
		default:
			return nil
		}
		c.pump(true)
	}

	return nil
}

// Close shuts down both halves and marks the connection reapable. If the
// receive buffer still holds undelivered bytes, the unread data would be
// silently lost by a clean FIN close, so close instead resets the
// connection with RST, matching spec.md §4.10.
func (c *Conn) Close() error {
	if c.reapable {
		return ErrBadFile
	}

	c.shutRD = true

	if c.rcvbuf.Used() > 0 {
		c.Abort()
		return nil
	}

	if !c.shutWR {
		c.Shutdown(ShutdownWR)
	}
	c.reapable = true
	return nil
}

// Abort tears the connection down immediately with an unconditional RST.
func (c *Conn) Abort() {
	if c.state != StateClosed {
		hdr := wire.Header{
			Src: c.localPort,
			Dst: c.remotePort,
			Seq: c.snd.nxt,
			Ack: c.rcv.nxt,
			Ctl: wire.RST,
		}
		_ = c.eng.emit(hdr, nil, nil)
	}
	c.setState(StateClosed)
	c.reapable = true
}
