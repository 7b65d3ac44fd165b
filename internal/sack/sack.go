// Package sack implements the fixed-capacity out-of-order reassembly
// entry list used by reliable connections: a short, offset-ordered list
// of (offset, length) ranges describing what has already landed in the
// receive buffer ahead of the next expected byte.
package sack

// N is the number of SACK entries tracked per connection.
const N = 4

// Entry describes one received-but-not-yet-consumed range, as an offset
// relative to the connection's current rcv.nxt and a length in bytes. A
// zero-length entry is unused.
type Entry struct {
	Offset uint32
	Len    uint32
}

// List is the fixed-capacity, offset-ordered SACK entry list.
type List struct {
	entries [N]Entry
}

// Insert records that rxd bytes landed at offset, merging with adjacent
// or overlapping entries where possible. It returns false if the entry
// could not be recorded because the list is full and the new range
// doesn't touch any existing entry.
//
// Forward merges (a newly-extended entry reaching into the start of the
// next entry) are not folded together in the same pass: matching the
// original implementation, that case leaves two adjacent-or-overlapping
// entries in the list rather than re-scanning to merge them immediately.
// The next Insert or Consume call that touches either entry will resolve
// it, so this can only cost one prematurely-consumed entry slot, never a
// wrong reported range.
func (s *List) Insert(offset, rxd uint32) bool {
	for i := 0; i < N; i++ {
		e := &s.entries[i]

		switch {
		case e.Len == 0:
			e.Offset = offset
			e.Len = rxd
			return true

		case offset < e.Offset:
			if offset+rxd < e.Offset {
				if s.entries[N-1].Len != 0 {
					return false // full, no room to insert before
				}
				copy(s.entries[i+1:], s.entries[i:N-1])
				s.entries[i] = Entry{Offset: offset, Len: rxd}
				return true
			}
			// Overlaps or touches the start of entries[i]: merge.
			e.Len += e.Offset - offset
			e.Offset = offset
			return true

		case offset <= e.Offset+e.Len:
			if offset+rxd > e.Offset+e.Len {
				e.Len = offset + rxd - e.Offset
			}
			return true
		}
	}
	return false
}

// Consume shifts every entry back by len bytes, as if len bytes were
// just removed from the front of the receive buffer (rcv.nxt advanced by
// len): entries entirely before the new front are dropped, entries that
// straddle it are trimmed, and entries entirely after it just have their
// offset reduced.
func (s *List) Consume(n uint32) {
	for i := 0; i < N && s.entries[i].Len != 0; {
		e := &s.entries[i]
		switch {
		case n < e.Offset:
			e.Offset -= n
			i++
		case n < e.Offset+e.Len:
			e.Len -= n - e.Offset
			e.Offset = 0
			i++
		default:
			if i < N-1 {
				copy(s.entries[i:], s.entries[i+1:])
				s.entries[N-1] = Entry{}
			} else {
				s.entries[i] = Entry{}
			}
		}
	}
}

// Clear drops every entry.
func (s *List) Clear() {
	s.entries = [N]Entry{}
}

// Entries returns the live (non-zero-length) entries in offset order.
func (s *List) Entries() []Entry {
	out := make([]Entry, 0, N)
	for _, e := range s.entries {
		if e.Len == 0 {
			break
		}
		out = append(out, e)
	}
	return out
}

// LeadingRun reports how many bytes starting at offset 0 are already
// contiguously present, i.e. the first entry's length if it starts at
// offset 0, else 0. This is the number of bytes the receive path can
// immediately deliver/advance past once the gap at rcv.nxt is filled.
func (s *List) LeadingRun() uint32 {
	if s.entries[0].Len != 0 && s.entries[0].Offset == 0 {
		return s.entries[0].Len
	}
	return 0
}

// Full reports whether every entry slot is occupied.
func (s *List) Full() bool {
	return s.entries[N-1].Len != 0
}
