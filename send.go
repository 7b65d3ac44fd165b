package utcp

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/meshlink/utcp/internal/pcap"
	"github.com/meshlink/utcp/internal/ring"
	"github.com/meshlink/utcp/internal/wire"
)

// emit encodes hdr+aux+payload into the engine's scratch buffer and hands it
// to the host send callback. A host callback failure is logged and left for
// the retransmit timer to repeat, per spec.md §7 ("retransmission is always
// local; a host send-callback failure is logged and retried by the timer").
func (e *Engine) emit(hdr wire.Header, aux []byte, payload []byte) error {
	n := wire.HeaderLen + len(aux) + len(payload)
	if n > len(e.scratch) {
		return fmt.Errorf("utcp: emit: %w", ErrMsgSize)
	}

	buf := e.scratch[:n]
	wire.EncodeHeader(buf[:wire.HeaderLen], hdr)
	copy(buf[wire.HeaderLen:], aux)
	copy(buf[wire.HeaderLen+len(aux):], payload)

	if e.capture != nil {
		_ = e.capture.WritePacket(pcap.CaptureInfo{
			Timestamp:     e.now,
			CaptureLength: n,
			Length:        n,
		}, buf)
	}

	if sent, err := e.cb.Send(e, buf); err != nil || sent <= 0 {
		e.log.Warn("utcp: send callback failed", "sent", sent, "err", err)
	}
	return nil
}

// sendRST answers a packet from a connection the engine has no record of
// (or no longer wants), swapping src/dst and seq/ack the way a real stack's
// RST-to-nowhere response does.
func (e *Engine) sendRST(local, remote uint16, seq, ack uint32, withAck bool) {
	ctl := wire.RST
	if withAck {
		ctl |= wire.ACK
	}
	_ = e.emit(wire.Header{Src: local, Dst: remote, Seq: seq, Ack: ack, Ctl: ctl}, nil, nil)
}

// header builds the fixed header for a segment carrying ctl flags, seq, and
// len bytes of payload starting at seq.
func (c *Conn) header(ctl uint16) wire.Header {
	return wire.Header{
		Src: c.localPort,
		Dst: c.remotePort,
		Seq: c.snd.nxt,
		Ack: c.rcv.nxt,
		Wnd: c.advertisedWindow(),
		Ctl: ctl,
	}
}

func (c *Conn) advertisedWindow() uint32 {
	c.rcv.wnd = c.rcvbuf.Free()
	return c.rcv.wnd
}

// sendSYN emits a SYN (active open) or SYN+ACK (passive open), carrying the
// AUX_INIT descriptor with our flags.
func (c *Conn) sendSYN(withAck bool) {
	ctl := wire.SYN
	if withAck {
		ctl |= wire.ACK
	}
	hdr := c.header(ctl)
	hdr.Seq = c.snd.una
	hdr.Aux = wire.AuxInit4

	aux := wire.EncodeInitPayload(make([]byte, 0, 4), wire.InitPayload{Major: 1, Flags: byte(c.flags) & 0x7})

	_ = c.eng.emit(hdr, aux, nil)
	c.armRtrxTimeout()
}

// sendAckOnly emits a bare ACK (or ACK+RST/FIN as selected by extra bits),
// carrying no payload: the catch-all "reply" step of spec.md §4.8.9.
func (c *Conn) sendAckOnly(extra uint16) {
	hdr := c.header(wire.ACK | extra)
	hdr.Seq = c.snd.nxt
	_ = c.eng.emit(hdr, nil, nil)
}

func (c *Conn) sendRST() {
	hdr := c.header(wire.RST)
	hdr.Seq = c.snd.nxt
	_ = c.eng.emit(hdr, nil, nil)
}

// Send appends data to the connection's send buffer and drives the send
// path, per spec.md §4.5/§4.6/§4.7.
func (c *Conn) Send(data []byte) (int, error) {
	if c.reapable {
		return 0, ErrBadFile
	}
	if c.state == StateClosed || c.state == StateListen {
		return 0, ErrNotConnected
	}
	if c.state != StateEstablished && c.state != StateCloseWait {
		return 0, ErrPipe
	}

	var n int
	var err error
	if c.isFramed() {
		if c.isReliable() {
			n, err = c.sendFramedReliable(data)
		} else {
			n, err = c.sendFramed(data)
		}
	} else if !c.isReliable() {
		n, err = c.sendUnreliable(data)
	} else {
		n, err = c.sendReliable(data)
	}
	if err == ErrWouldBlock || c.sndbuf.Free() == 0 {
		c.doPoll = true
	}
	return n, err
}

func (c *Conn) sendReliable(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	atomic := c.noPartial()
	if atomic && uint32(len(data)) > c.sndbuf.Free() {
		return 0, ErrWouldBlock
	}

	n := c.sndbuf.Put(data)
	if n == 0 && len(data) > 0 {
		return 0, ErrWouldBlock
	}
	if atomic && n < len(data) {
		c.sndbuf.Discard(uint32(n))
		return 0, ErrWouldBlock
	}

	c.snd.last += uint32(n)
	c.pump(false)
	return n, nil
}

func (c *Conn) sendUnreliable(data []byte) (int, error) {
	if len(data) > MaxUnreliableSize {
		return 0, ErrMsgSize
	}
	if len(data) == 0 {
		return 0, nil
	}

	c.sndbuf.Clear()
	n := c.sndbuf.Put(data)
	c.snd.last = c.snd.una + uint32(n)
	c.pump(false)
	c.snd.una = c.snd.nxt
	c.snd.last = c.snd.nxt
	c.sndbuf.Clear()
	return n, nil
}

func (c *Conn) sendFramed(data []byte) (int, error) {
	if len(data) > MaxUnreliableSize {
		return 0, ErrMsgSize
	}

	framed := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(framed, uint16(len(data)))
	copy(framed[2:], data)

	if uint32(len(framed)) > c.sndbuf.Free() {
		return 0, ErrWouldBlock
	}

	n := c.sndbuf.Put(framed)
	if n < len(framed) {
		c.sndbuf.Discard(uint32(n))
		return 0, ErrWouldBlock
	}

	c.snd.last += uint32(n)
	c.pumpFramed(false)
	return len(data), nil
}

// sendFramedReliable queues a length-prefixed frame for a framed connection
// that also carries FlagReliable. The frame is written into sndbuf exactly
// like a reliable stream write; segmentation, retransmission, and FIN all
// go through the same reliable machinery as sendReliable, since frame
// boundaries are reconstructed on the receiving end from frameStage rather
// than from how the bytes happened to be segmented on the wire.
func (c *Conn) sendFramedReliable(data []byte) (int, error) {
	if len(data) > MaxUnreliableSize {
		return 0, ErrMsgSize
	}

	framed := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(framed, uint16(len(data)))
	copy(framed[2:], data)

	if uint32(len(framed)) > c.sndbuf.Free() {
		return 0, ErrWouldBlock
	}

	n := c.sndbuf.Put(framed)
	if n < len(framed) {
		c.sndbuf.Discard(uint32(n))
		return 0, ErrWouldBlock
	}

	c.snd.last += uint32(n)
	c.pump(false)
	return len(data), nil
}

// pump is the reliable-stream segmentation core of spec.md §4.5. It sends
// everything currently queued that the flow/congestion window allows.
// Rounding down to a whole number of MSS-sized segments only happens when
// the window itself is the limiting factor (there is more queued than fits):
// in that case a trailing sub-MSS remainder is left queued rather than
// burning window space on a small segment, unless force is set (used to
// push a final segment out regardless, e.g. one carrying FIN). When the
// window isn't the constraint, all queued data goes out, ending in
// whatever sub-MSS remainder is naturally left.
func (c *Conn) pump(force bool) {
	if c.isFramed() && !c.isReliable() {
		c.pumpFramed(force)
		return
	}
	if !c.isReliable() {
		c.pumpUnreliable()
		return
	}

	left := wire.SeqDiff(c.snd.last, c.snd.nxt)
	if left < 0 {
		left = 0
	}

	inFlight := wire.SeqDiff(c.snd.nxt, c.snd.una)
	cwndLeft := int32(effectiveWindow(c.cc.Cwnd(), c.snd.wnd)) - inFlight

	if cwndLeft <= 0 {
		left = 0
	} else if cwndLeft < left {
		left = cwndLeft
		if !force || cwndLeft > int32(c.mss) {
			left -= left % int32(c.mss)
		}
	}

	for left > 0 {
		segLen := left
		if segLen > int32(c.mss) {
			segLen = int32(c.mss)
		}
		c.sendSegment(uint32(segLen))
		left -= segLen
	}

	if c.snd.una != c.snd.last {
		c.armRtrxTimeout()
		c.armConnTimeout()
	}
}

// pumpUnreliable emits whatever sendUnreliable queued between snd.una and
// snd.last, plus a queued FIN, per spec.md §4.6. There is no
// retransmission and no congestion or flow control in this traffic mode:
// the whole queued datagram goes out once, fragmented across MSS-sized
// segments with MF set on every segment but the last and Wnd repurposed as
// the fragment's byte offset (0 and unset MF together mean "whole,
// unfragmented datagram", matching deliverUnreliable's receive-side
// check). A queued FIN still consumes the final sequence number with no
// payload byte, exactly as in reliable mode.
func (c *Conn) pumpUnreliable() {
	left := wire.SeqDiff(c.snd.last, c.snd.nxt)
	if left <= 0 {
		return
	}

	off := uint32(0)
	for left > 0 {
		segLen := left
		if segLen > int32(c.mss) {
			segLen = int32(c.mss)
		}

		seq := c.snd.nxt
		c.snd.nxt += uint32(segLen)
		left -= segLen

		ctl := wire.ACK
		if left > 0 {
			ctl |= wire.MF
		}

		dataLen := uint32(segLen)
		if segLen > 0 && c.finWanted(c.snd.nxt) {
			dataLen--
			ctl |= wire.FIN
		}

		payload := make([]byte, dataLen)
		if dataLen > 0 {
			c.sndbuf.Copy(payload, off)
		}

		hdr := c.header(ctl)
		hdr.Seq = seq
		hdr.Wnd = off
		_ = c.eng.emit(hdr, nil, payload)

		off += uint32(segLen)
	}
}

// effectiveWindow returns min(cwnd, peerWnd).
func effectiveWindow(cwnd, peerWnd uint32) uint32 {
	if peerWnd < cwnd {
		return peerWnd
	}
	return cwnd
}

// finWanted reports whether a segment ending exactly at end should carry
// FIN: only once, when end reaches snd.last while a FIN is queued
// (FIN_WAIT_1/CLOSING/LAST_ACK), regardless of traffic mode.
func (c *Conn) finWanted(end uint32) bool {
	if !c.shutWR || end != c.snd.last {
		return false
	}
	switch c.state {
	case StateFinWait1, StateClosing, StateLastAck:
		return true
	default:
		return false
	}
}

// segmentPayload builds the ctl flags and payload bytes for a segment of
// segLen sequence numbers starting at seq, copying data out of sndbuf
// (indexed relative to snd.una) and attaching FIN if the segment runs up
// to snd.last while a FIN is queued. FIN occupies the final sequence
// number of snd.last but no buffer byte.
func (c *Conn) segmentPayload(seq, segLen uint32) (ctl uint16, payload []byte) {
	dataLen := segLen
	ctl = wire.ACK
	if segLen > 0 && c.finWanted(seq+segLen) {
		dataLen = segLen - 1
		ctl |= wire.FIN
	}

	payload = make([]byte, dataLen)
	if dataLen > 0 {
		off := wire.SeqDiff(seq, c.snd.una)
		c.sndbuf.Copy(payload, uint32(off))
	}
	return ctl, payload
}

// sendSegment emits one data segment of segLen bytes starting at snd.nxt.
func (c *Conn) sendSegment(segLen uint32) {
	ctl, payload := c.segmentPayload(c.snd.nxt, segLen)

	hdr := c.header(ctl)
	hdr.Seq = c.snd.nxt

	if !c.snd.sampling {
		c.snd.sampling = true
		c.snd.rttSeq = c.snd.nxt
		c.snd.rttStart = c.eng.now
	}

	_ = c.eng.emit(hdr, nil, payload)
	c.snd.nxt += segLen
}

// pumpFramed implements spec.md §4.7: only whole-MSS packets are sent
// directly from the send loop; a trailing partial segment waits for the
// flush timer, unless force is set (Shutdown(WR) on a framed-unreliable
// connection), in which case any remaining partial segment is flushed
// immediately and, if a FIN is queued and nothing is left to send, a
// final zero-payload ACK|FIN packet consumes it right away rather than
// waiting on the flush timer, matching original_source/src/utcp.c's
// flush_unreliable_framed.
func (c *Conn) pumpFramed(force bool) {
	for {
		avail := c.sndbuf.Used()
		if avail == 0 {
			break
		}
		if avail < c.mss && !force {
			break
		}
		n := avail
		if n > c.mss {
			n = c.mss
		}
		c.sendFramedSegment(n)
	}

	if c.sndbuf.Used() > 0 {
		if c.flushTimeout.IsZero() {
			c.flushTimeout = c.eng.now.Add(c.eng.flushTimeout)
		}
		return
	}
	c.flushTimeout = time.Time{}

	if force && c.finWanted(c.snd.nxt+1) {
		c.sendFramedFin()
	}
}

func (c *Conn) sendFramedSegment(n uint32) {
	payload := make([]byte, n)
	c.sndbuf.Copy(payload, 0)
	c.sndbuf.Discard(n)
	c.snd.frameOffset = leadingFrameBytes(c.sndbuf)

	hdr := c.header(wire.ACK)
	hdr.Seq = c.snd.nxt
	_ = c.eng.emit(hdr, nil, payload)
	c.snd.nxt += n
	c.snd.una = c.snd.nxt
}

// sendFramedFin emits the zero-payload packet that consumes a framed
// connection's queued FIN sequence number.
func (c *Conn) sendFramedFin() {
	hdr := c.header(wire.ACK | wire.FIN)
	hdr.Seq = c.snd.nxt
	_ = c.eng.emit(hdr, nil, nil)
	c.snd.nxt++
	c.snd.una = c.snd.nxt
}

// leadingFrameBytes reports how many bytes at the front of buf belong to
// the run of already-complete length-prefixed frames, for diagnostics; it
// does not gate anything on the send path, since the segmentation loop cuts
// strictly at MSS boundaries regardless of frame boundaries.
func leadingFrameBytes(buf *ring.Buffer) uint32 {
	var scanned uint32
	used := buf.Used()
	for scanned+2 <= used {
		var prefix [2]byte
		buf.Copy(prefix[:], scanned)
		frameLen := uint32(binary.LittleEndian.Uint16(prefix[:]))
		if scanned+2+frameLen > used {
			break
		}
		scanned += 2 + frameLen
	}
	return scanned
}

// flushFramed emits the trailing partial frame bytes as a final short
// packet, called when the flush timer fires.
func (c *Conn) flushFramed() {
	c.pumpFramed(true)
}
