// Package wire implements the on-the-wire packet format for the utcp
// engine: a fixed header plus an optional auxiliary TLV chain, and the
// wraparound-aware sequence number arithmetic the protocol relies on.
//
// Byte order on the wire is little-endian regardless of host order, so
// EncodeHeader/DecodeHeader always normalize through encoding/binary.
package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderLen is the size in bytes of the fixed header:
// src(2) dst(2) seq(4) ack(4) wnd(4) ctl(2) aux(2).
const HeaderLen = 20

// Control flag bits (Header.Ctl). Any bit outside knownCtlBits makes a
// packet malformed.
const (
	SYN uint16 = 1 << 0
	ACK uint16 = 1 << 1
	FIN uint16 = 1 << 2
	RST uint16 = 1 << 3
	MF  uint16 = 1 << 4

	knownCtlBits = SYN | ACK | FIN | RST | MF
)

// ErrBadMessage is returned when a datagram fails to parse as a valid
// header or auxiliary chain.
var ErrBadMessage = errors.New("wire: malformed packet")

// Header is the fixed portion of every utcp datagram.
type Header struct {
	Src uint16
	Dst uint16
	Seq uint32
	Ack uint32
	Wnd uint32
	Ctl uint16
	Aux uint16
}

// EncodeHeader writes h into the first HeaderLen bytes of dst.
func EncodeHeader(dst []byte, h Header) {
	_ = dst[HeaderLen-1]
	binary.LittleEndian.PutUint16(dst[0:2], h.Src)
	binary.LittleEndian.PutUint16(dst[2:4], h.Dst)
	binary.LittleEndian.PutUint32(dst[4:8], h.Seq)
	binary.LittleEndian.PutUint32(dst[8:12], h.Ack)
	binary.LittleEndian.PutUint32(dst[12:16], h.Wnd)
	binary.LittleEndian.PutUint16(dst[16:18], h.Ctl)
	binary.LittleEndian.PutUint16(dst[18:20], h.Aux)
}

// DecodeHeader parses the fixed header from the front of data. It returns
// ErrBadMessage if data is shorter than HeaderLen or the packet carries an
// unrecognized control bit.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, ErrBadMessage
	}

	h := Header{
		Src: binary.LittleEndian.Uint16(data[0:2]),
		Dst: binary.LittleEndian.Uint16(data[2:4]),
		Seq: binary.LittleEndian.Uint32(data[4:8]),
		Ack: binary.LittleEndian.Uint32(data[8:12]),
		Wnd: binary.LittleEndian.Uint32(data[12:16]),
		Ctl: binary.LittleEndian.Uint16(data[16:18]),
		Aux: binary.LittleEndian.Uint16(data[18:20]),
	}

	if h.Ctl&^knownCtlBits != 0 {
		return Header{}, ErrBadMessage
	}

	return h, nil
}

// AuxType identifies the kind of an auxiliary TLV entry.
type AuxType uint8

// AuxInit is the only auxiliary type currently recognized: it accompanies
// a SYN and negotiates the protocol version and per-connection flags.
const AuxInit AuxType = 1

const auxMoreBit uint16 = 0x800

// AuxInit4 encodes an aux word selecting AUX_INIT with a 4-byte payload and
// no continuation, i.e. type=1, length=4 bytes (one word), more=0.
const AuxInit4 uint16 = uint16(AuxInit) | (1 << 8)

// InitPayload is the 4-byte payload of an AUX_INIT descriptor.
type InitPayload struct {
	Major byte
	Minor byte
	// Reserved is carried but never interpreted by either side.
	Reserved byte
	Flags    byte // low 3 bits carry the peer's requested connection flags
}

// EncodeInitPayload appends the 4-byte AUX_INIT payload to dst.
func EncodeInitPayload(dst []byte, p InitPayload) []byte {
	return append(dst, p.Major, p.Minor, p.Reserved, p.Flags)
}

// Aux is one parsed auxiliary TLV entry.
type Aux struct {
	Type    AuxType
	Payload []byte
}

// ParseAux walks the auxiliary chain starting at the given aux word,
// reading successive payloads from data. It returns ErrBadMessage on any
// truncation, unknown type, or malformed length rather than silently
// stopping partway through the chain.
func ParseAux(firstWord uint16, data []byte) ([]Aux, []byte, error) {
	var entries []Aux
	aux := firstWord

	for aux != 0 {
		length := 4 * int((aux>>8)&0xf)
		typ := AuxType(aux & 0xff)

		if len(data) < length {
			return nil, nil, ErrBadMessage
		}

		payload := data[:length]
		data = data[length:]

		switch typ {
		case AuxInit:
			if length != 4 {
				return nil, nil, ErrBadMessage
			}
		default:
			return nil, nil, ErrBadMessage
		}

		entries = append(entries, Aux{Type: typ, Payload: payload})

		if aux&auxMoreBit == 0 {
			break
		}

		if len(data) < 2 {
			return nil, nil, ErrBadMessage
		}

		aux = binary.LittleEndian.Uint16(data[:2])
		data = data[2:]
	}

	return entries, data, nil
}

// DecodeInitPayload decodes a 4-byte AUX_INIT payload.
func DecodeInitPayload(payload []byte) (InitPayload, bool) {
	if len(payload) != 4 {
		return InitPayload{}, false
	}

	return InitPayload{
		Major:    payload[0],
		Minor:    payload[1],
		Reserved: payload[2],
		Flags:    payload[3] & 0x7,
	}, true
}

// Sequence number arithmetic, wraparound-aware (RFC 1982 style, modular
// arithmetic over uint32 compared as signed differences).

// SeqDiff returns a-b as a signed 32-bit difference, handling wraparound.
func SeqDiff(a, b uint32) int32 {
	return int32(a - b)
}

// SeqLT reports whether a precedes b in sequence-number order.
func SeqLT(a, b uint32) bool { return SeqDiff(a, b) < 0 }

// SeqLTE reports whether a precedes or equals b in sequence-number order.
func SeqLTE(a, b uint32) bool { return SeqDiff(a, b) <= 0 }

// SeqGT reports whether a follows b in sequence-number order.
func SeqGT(a, b uint32) bool { return SeqDiff(a, b) > 0 }

// SeqGTE reports whether a follows or equals b in sequence-number order.
func SeqGTE(a, b uint32) bool { return SeqDiff(a, b) >= 0 }
