package utcp

import (
	"time"

	"github.com/meshlink/utcp/internal/conntable"
	"github.com/meshlink/utcp/internal/pcap"
	"github.com/meshlink/utcp/internal/wire"
)

// Recv is the host-facing inbound entry point: feed it every datagram the
// carrier delivers. It never blocks and never returns an error for a
// malformed or rejected packet — those are silently dropped or answered
// with RST per spec.md §4.8, matching "wire errors on inbound packets are
// silently dropped except where they produce a connection-wide fatal
// condition."
func (e *Engine) Recv(data []byte) error {
	e.now = e.clock()

	hdr, err := wire.DecodeHeader(data)
	if err != nil {
		e.log.Debug("utcp: dropping malformed packet", "err", err)
		return nil
	}
	rest := data[wire.HeaderLen:]

	var auxEntries []wire.Aux
	if hdr.Aux != 0 {
		auxEntries, rest, err = wire.ParseAux(hdr.Aux, rest)
		if err != nil {
			e.log.Debug("utcp: dropping packet with malformed aux chain", "err", err)
			return nil
		}
	}

	if e.capture != nil {
		_ = e.capture.WritePacket(pcap.CaptureInfo{
			Timestamp:     e.now,
			CaptureLength: len(data),
			Length:        len(data),
		}, data)
	}

	key := conntable.Key{Local: hdr.Dst, Remote: hdr.Src}
	c, ok := e.table.Lookup(key)
	if !ok {
		e.handleNoConn(hdr, auxEntries, rest)
		return nil
	}

	c.handlePacket(hdr, auxEntries, rest)
	return nil
}

// handleNoConn answers a packet that names no connection we know about:
// a bare SYN starts a passive open if the engine has an accept callback
// (and pre-accept, if installed, agrees); anything else gets RST, per
// spec.md §4.8's "packet for a non-existent connection" rule. A packet
// that is itself RST is dropped silently rather than answered.
func (e *Engine) handleNoConn(hdr wire.Header, aux []wire.Aux, payload []byte) {
	if hdr.Ctl&wire.RST != 0 {
		return
	}

	if hdr.Ctl&wire.SYN != 0 && hdr.Ctl&wire.ACK == 0 {
		if e.cb.Accept == nil {
			e.sendRST(hdr.Dst, hdr.Src, 0, hdr.Seq+1, true)
			return
		}
		if e.cb.PreAccept != nil && !e.cb.PreAccept(e, hdr.Dst) {
			e.sendRST(hdr.Dst, hdr.Src, 0, hdr.Seq+1, true)
			return
		}
		e.acceptPassive(hdr, aux)
		return
	}

	if hdr.Ctl&wire.ACK != 0 {
		e.sendRST(hdr.Dst, hdr.Src, hdr.Ack, 0, false)
		return
	}
	e.sendRST(hdr.Dst, hdr.Src, 0, hdr.Seq+uint32(len(payload))+1, true)
}

// acceptPassive creates a connection in SYN_RECEIVED in response to a bare
// SYN, negotiating traffic-mode flags from the AUX_INIT payload's low 3
// bits (ORDERED, RELIABLE, FRAMED — DROP_LATE/NO_PARTIAL are purely local
// and never negotiated on the wire).
func (e *Engine) acceptPassive(hdr wire.Header, aux []wire.Aux) {
	flags := FlagsTCP
	for _, a := range aux {
		if a.Type != wire.AuxInit {
			continue
		}
		if p, ok := wire.DecodeInitPayload(a.Payload); ok {
			flags = uint32(p.Flags)
		}
	}

	if e.table.Len() >= conntable.MaxConns {
		e.sendRST(hdr.Dst, hdr.Src, 0, hdr.Seq+1, true)
		return
	}

	cfg := defaultConnConfig()
	cfg.flags = flags
	c := newConn(e, hdr.Dst, hdr.Src, cfg, ConnCallbacks{})

	c.irs = hdr.Seq
	c.rcv.nxt = hdr.Seq + 1
	c.snd.wnd = hdr.Wnd

	iss := e.newISS()
	c.iss = iss
	c.snd.una = iss
	c.snd.nxt, c.snd.last = iss+1, iss+1

	if !e.table.Insert(c.key(), c) {
		return
	}

	c.setState(StateSynReceived)
	c.sendSYN(true)
}

// handlePacket is the per-connection dispatcher of spec.md §4.8, steps
// 1-9: acceptability, RST, ACK validation/advancement, duplicate-ACK fast
// retransmit, SYN handling, data delivery, FIN, and the final reply.
func (c *Conn) handlePacket(hdr wire.Header, aux []wire.Aux, payload []byte) {
	if c.reapable && c.state == StateClosed {
		return
	}

	var ok bool
	hdr, payload, ok = c.checkAcceptable(hdr, payload)
	if !ok {
		return
	}

	if hdr.Ctl&wire.RST != 0 {
		c.handleRST(hdr)
		return
	}

	sawData := len(payload) > 0
	sawFlags := hdr.Ctl&(wire.SYN|wire.FIN) != 0

	if hdr.Ctl&wire.ACK != 0 {
		if !c.validateAck(hdr) {
			if !c.isReliable() {
				hdr.Ack = c.snd.una
			} else {
				c.sendRST()
				return
			}
		}
		c.advanceAck(hdr, sawData)

		if c.state == StateSynReceived {
			c.setState(StateEstablished)
			if c.eng.cb.Accept != nil {
				c.eng.cb.Accept(c, c.localPort)
			}
		}
	}

	if hdr.Ctl&wire.SYN != 0 {
		c.handleSYN(hdr)
	}

	if sawData {
		c.handleData(hdr, payload)
	}

	if hdr.Ctl&wire.FIN != 0 {
		c.handleFIN(hdr, payload)
	}

	// Reply: prefer to piggyback the ack on outgoing data or a queued FIN;
	// only send a bare ack if pump had nothing to push.
	before := c.snd.nxt
	c.pump(false)
	if c.snd.nxt == before && (sawData || sawFlags) {
		c.sendAckOnly(0)
	}
}

// checkAcceptable implements spec.md §4.8.1: reliable connections check
// the segment overlaps the receive window, trimming front-overlap and
// dropping out-of-window bytes (but still processing flags); unreliable
// connections accept unconditionally.
func (c *Conn) checkAcceptable(hdr wire.Header, payload []byte) (wire.Header, []byte, bool) {
	if !c.isReliable() {
		return hdr, payload, true
	}

	if len(payload) == 0 {
		if wire.SeqLT(hdr.Seq, c.rcv.nxt) && hdr.Ctl&wire.RST != 0 {
			return hdr, payload, false
		}
		return hdr, payload, true
	}

	winEnd := c.rcv.nxt + c.rcvbuf.MaxSize()
	segEnd := hdr.Seq + uint32(len(payload))

	if wire.SeqLTE(segEnd, c.rcv.nxt) || wire.SeqGTE(hdr.Seq, winEnd) {
		if hdr.Ctl&wire.RST != 0 {
			return hdr, nil, false
		}
		return hdr, nil, true
	}

	if wire.SeqLT(hdr.Seq, c.rcv.nxt) {
		trim := wire.SeqDiff(c.rcv.nxt, hdr.Seq)
		payload = payload[trim:]
		hdr.Seq = c.rcv.nxt
	}

	return hdr, payload, true
}

// handleRST implements the per-state RST table of spec.md §4.8.2.
func (c *Conn) handleRST(hdr wire.Header) {
	if hdr.Ctl&wire.ACK != 0 && c.state != StateSynSent {
		return
	}

	switch c.state {
	case StateSynSent:
		c.setState(StateClosed)
		c.notify(ErrConnRefused)
		c.reapable = true
	case StateSynReceived:
		c.setState(StateClosed)
		c.reapable = true
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.setState(StateClosed)
		c.notify(ErrConnReset)
		c.reapable = true
	case StateClosing, StateLastAck, StateTimeWait:
		c.setState(StateClosed)
		c.reapable = true
	}
}

// validateAck implements spec.md §4.8.3.
func (c *Conn) validateAck(hdr wire.Header) bool {
	return wire.SeqGTE(hdr.Ack, c.snd.una) && wire.SeqLTE(hdr.Ack, c.snd.last)
}

// advanceAck implements spec.md §4.8.4-5: RTT sampling, buffer discard,
// fast-recovery exit, congestion window growth, and duplicate-ACK
// fast retransmit. Dup-ack counting only applies to a pure ACK carrying no
// new data; a data-bearing packet that happens not to advance snd.una is
// not evidence of loss.
func (c *Conn) advanceAck(hdr wire.Header, sawData bool) {
	advanced := wire.SeqDiff(hdr.Ack, c.snd.una)
	c.snd.wnd = hdr.Wnd

	if advanced <= 0 {
		if !sawData && c.isReliable() && wire.SeqLT(c.snd.una, c.snd.nxt) {
			flight := wire.SeqDiff(c.snd.nxt, c.snd.una)
			if c.cc.OnDupAck(uint32(flight)) {
				c.eng.metrics.incFastRetransmit()
				c.retransmitFrom(c.snd.una, c.mss)
				c.armRtrxTimeout()
			}
			c.eng.metrics.incDuplicateAck()
		}
		return
	}

	if c.snd.sampling && wire.SeqGTE(hdr.Ack, c.snd.rttSeq) {
		sample := c.eng.now.Sub(c.snd.rttStart)
		c.rttEstimator.Update(sample)
		c.snd.sampling = false
	}

	c.sndbuf.Discard(uint32(advanced))
	c.snd.una = hdr.Ack
	if wire.SeqLT(c.snd.nxt, c.snd.una) {
		c.snd.nxt = c.snd.una
	}

	c.cc.OnAck(uint32(advanced))

	if c.snd.una == c.snd.last {
		c.disarmRtrxTimeout()
		if !c.expectData {
			c.connTimeout = time.Time{}
		}
	} else {
		c.armRtrxTimeout()
	}

	if state := c.state; state == StateFinWait1 && wire.SeqGTE(c.snd.una, c.snd.last) {
		c.setState(StateFinWait2)
	} else if state == StateClosing && wire.SeqGTE(c.snd.una, c.snd.last) {
		c.setState(StateTimeWait)
		c.armConnTimeout()
	} else if state == StateLastAck && wire.SeqGTE(c.snd.una, c.snd.last) {
		c.setState(StateClosed)
	}

	if c.doPoll {
		if free := c.sndbuf.Free(); free > 0 {
			c.doPoll = false
			if c.cb.Poll != nil {
				c.cb.Poll(c, int(free))
			}
		}
	}
}

// retransmitFrom resends up to n sequence numbers' worth of data starting
// at seq, used by both the dup-ack fast retransmit path and the RTO path.
func (c *Conn) retransmitFrom(seq uint32, n uint32) {
	avail := wire.SeqDiff(c.snd.last, seq)
	if avail <= 0 {
		return
	}
	if uint32(avail) < n {
		n = uint32(avail)
	}

	ctl, payload := c.segmentPayload(seq, n)

	hdr := c.header(ctl)
	hdr.Seq = seq
	_ = c.eng.emit(hdr, nil, payload)

	c.eng.metrics.incRetransmit()
	if c.eng.retransmitObserver != nil {
		c.eng.retransmitObserver(c)
	}
}

// handleSYN implements spec.md §4.8.6.
func (c *Conn) handleSYN(hdr wire.Header) {
	switch c.state {
	case StateSynSent:
		c.irs = hdr.Seq
		c.rcv.nxt = hdr.Seq + 1
		c.snd.wnd = hdr.Wnd
		if hdr.Ctl&wire.ACK != 0 {
			if c.shutWR {
				c.setState(StateFinWait1)
			} else {
				c.setState(StateEstablished)
			}
		}
	case StateSynReceived:
		c.sendSYN(true)
	default:
		// SYN ignored outside the handshake states; an ACK is still due,
		// which handlePacket's final reply step takes care of.
	}
}

// handleData implements spec.md §4.8.7: in-order delivery (draining any
// SACK-covered bytes that are now contiguous) or out-of-order buffering
// via the SACK list.
func (c *Conn) handleData(hdr wire.Header, payload []byte) {
	if !c.isReliable() {
		c.deliverUnreliable(hdr, payload)
		return
	}

	if wire.SeqGT(hdr.Seq, c.rcv.nxt) {
		offset := wire.SeqDiff(hdr.Seq, c.rcv.nxt)
		rel := uint32(offset) + uint32(len(payload))
		if rel > c.rcvbuf.MaxSize() {
			return
		}
		if c.rcvbuf.PutAt(uint32(offset), payload) == 0 {
			return
		}
		if !c.sacks.Insert(uint32(offset), uint32(len(payload))) {
			return
		}
		return
	}

	if wire.SeqLT(hdr.Seq, c.rcv.nxt) {
		trim := wire.SeqDiff(c.rcv.nxt, hdr.Seq)
		if int(trim) >= len(payload) {
			return
		}
		payload = payload[trim:]
	}

	c.deliverInOrder(payload)
}

// deliverInOrder accepts len(payload) newly-contiguous bytes at the front
// of rcvbuf, then repeatedly drains whatever SACK-covered ranges have
// become contiguous as a result (a chain of out-of-order arrivals can
// complete more than one gap at once). The whole contiguous run is then
// handed to the application: directly for plain streams, or staged for
// length-prefixed frame parsing in FRAMED mode.
func (c *Conn) deliverInOrder(payload []byte) {
	c.rcvbuf.PutAt(0, payload)
	total := uint32(len(payload))
	c.sacks.Consume(total)

	for {
		run := c.sacks.LeadingRun()
		if run == 0 {
			break
		}
		c.sacks.Consume(run)
		total += run
	}

	c.rcv.nxt += total

	buf := make([]byte, total)
	c.rcvbuf.Copy(buf, 0)
	c.rcvbuf.Discard(total)

	if c.isFramed() {
		c.frameStage.Put(buf)
		c.deliverFrames()
		return
	}

	if c.cb.Recv != nil && !c.shutRD {
		c.cb.Recv(c, buf, nil)
	}
}

// deliverFrames pulls complete length-prefixed frames from the front of
// frameStage, delivering each atomically, per spec.md §4.8.7's
// framed-reliable note ("always stage to buffer, then pull complete frames
// from front").
func (c *Conn) deliverFrames() {
	for {
		if c.frameStage.Used() < 2 {
			return
		}
		var prefix [2]byte
		c.frameStage.Copy(prefix[:], 0)
		frameLen := uint32(prefix[0]) | uint32(prefix[1])<<8
		if c.frameStage.Used() < 2+frameLen {
			return
		}
		frame := make([]byte, frameLen)
		c.frameStage.Copy(frame, 2)
		c.frameStage.Discard(2 + frameLen)
		if c.cb.Recv != nil && !c.shutRD {
			c.cb.Recv(c, frame, nil)
		}
	}
}

// deliverUnreliable handles the non-reliable traffic modes: framed
// datagrams delivered whole, plain datagrams delivered as received, with
// MF-flagged fragments reassembled up to MaxUnreliableSize using Wnd as a
// fragment offset. An out-of-order first fragment of a framed message
// clears the reassembly buffer rather than waiting — adopted as-is from
// the reference implementation (see DESIGN.md's Resolved Open Questions).
func (c *Conn) deliverUnreliable(hdr wire.Header, payload []byte) {
	if hdr.Ctl&wire.MF == 0 && hdr.Wnd == 0 {
		c.rcv.nxt = hdr.Seq + uint32(len(payload))
		if c.isFramed() {
			if len(payload) < 2 {
				return
			}
			n := uint32(payload[0]) | uint32(payload[1])<<8
			if int(n) != len(payload)-2 {
				return
			}
			if c.cb.Recv != nil && !c.shutRD {
				c.cb.Recv(c, payload[2:], nil)
			}
			return
		}
		if c.cb.Recv != nil && !c.shutRD {
			c.cb.Recv(c, payload, nil)
		}
		return
	}

	if hdr.Wnd == 0 {
		c.rcvbuf.Clear()
	}
	if c.rcvbuf.PutAt(hdr.Wnd, payload) == 0 {
		c.rcvbuf.Clear()
		return
	}

	if hdr.Ctl&wire.MF != 0 {
		return
	}

	total := c.rcvbuf.Used()
	if total > MaxUnreliableSize {
		c.rcvbuf.Clear()
		return
	}
	buf := make([]byte, total)
	c.rcvbuf.Copy(buf, 0)
	c.rcvbuf.Clear()
	c.rcv.nxt = hdr.Seq + hdr.Wnd + uint32(len(payload))
	if c.cb.Recv != nil && !c.shutRD {
		c.cb.Recv(c, buf, nil)
	}
}

// handleFIN implements spec.md §4.8.8: accepted only if it lands exactly
// at rcv.nxt, i.e. seq+len(payload) reaches the byte stream position the
// data-handling step above already brought rcv.nxt to.
func (c *Conn) handleFIN(hdr wire.Header, payload []byte) {
	if wire.SeqDiff(hdr.Seq+uint32(len(payload)), c.rcv.nxt) != 0 {
		return
	}
	c.rcv.nxt++

	switch c.state {
	case StateEstablished:
		c.setState(StateCloseWait)
		if c.cb.Recv != nil && !c.shutRD {
			c.cb.Recv(c, nil, nil)
		}
	case StateFinWait1:
		if wire.SeqGTE(c.snd.una, c.snd.last) {
			c.setState(StateTimeWait)
			c.armConnTimeout()
		} else {
			c.setState(StateClosing)
		}
	case StateFinWait2:
		c.setState(StateTimeWait)
		c.armConnTimeout()
	}
}
