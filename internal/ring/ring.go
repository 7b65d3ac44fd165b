// Package ring implements the dynamically growing circular byte buffer
// used for both send and receive buffering. It never moves already-stored
// bytes around except while doubling its backing array, and it never
// allocates past a configured maximum size.
package ring

// DefaultSize is the initial backing array size used the first time a
// buffer has to grow from empty.
const DefaultSize = 4096

// Buffer is a circular byte buffer that grows by doubling, up to MaxSize.
// The zero value is not usable; construct one with New.
type Buffer struct {
	data    []byte
	offset  uint32 // physical index of logical byte 0
	used    uint32 // logical bytes currently stored
	maxSize uint32
}

// New returns a Buffer that will never grow past maxSize bytes.
func New(maxSize uint32) *Buffer {
	return &Buffer{maxSize: maxSize}
}

// SetMaxSize adjusts the buffer's ceiling and ensures it has at least
// minSize bytes of backing storage already allocated. It reports whether
// the buffer satisfies the new bounds.
func (b *Buffer) SetMaxSize(minSize, maxSize uint32) bool {
	if maxSize < minSize {
		maxSize = minSize
	}

	b.maxSize = maxSize

	if uint32(len(b.data)) >= minSize {
		return true
	}

	b.resize(minSize)
	return true
}

// wraps reports whether the stored bytes currently straddle the end of
// the physical array.
func (b *Buffer) wraps() bool {
	return uint32(len(b.data))-b.offset < b.used
}

// resize grows the backing array to newSize, shifting the wrapped tail
// segment so the buffer stays physically contiguous from the new offset.
func (b *Buffer) resize(newSize uint32) {
	newData := make([]byte, newSize)

	if b.wraps() {
		// [345......012] -> [345.........|........012]
		tailSize := uint32(len(b.data)) - b.offset
		newOffset := newSize - tailSize
		copy(newData[newOffset:], b.data[b.offset:])
		copy(newData, b.data[:b.used-tailSize])
		b.offset = newOffset
	} else {
		copy(newData, b.data[b.offset:b.offset+b.used])
		b.offset = 0
	}

	b.data = newData
}

// PutAt writes data into the buffer starting at logical offset, extending
// Used() to offset+len(data) if that grows it, and growing the backing
// array (doubling from DefaultSize) as needed. It never stores past
// MaxSize: if offset is already at or past MaxSize it returns 0 and
// stores nothing; otherwise it silently truncates data to fit.
func (b *Buffer) PutAt(offset uint32, data []byte) int {
	required := uint64(offset) + uint64(len(data))

	if required > uint64(b.maxSize) {
		if offset >= b.maxSize {
			return 0
		}
		data = data[:b.maxSize-offset]
		required = uint64(b.maxSize)
	}

	if required > uint64(len(b.data)) {
		newSize := uint64(len(b.data))
		if newSize == 0 {
			newSize = DefaultSize
		}
		for newSize < required {
			newSize *= 2
		}
		if newSize > uint64(b.maxSize) {
			newSize = uint64(b.maxSize)
		}
		b.resize(uint32(newSize))
	}

	realOffset := b.offset + offset
	size := uint32(len(b.data))
	if size-b.offset <= offset {
		realOffset -= size
	}

	n := uint32(len(data))
	if size-realOffset < n {
		head := size - realOffset
		copy(b.data[realOffset:], data[:head])
		copy(b.data, data[head:])
	} else {
		copy(b.data[realOffset:realOffset+n], data)
	}

	if uint32(required) > b.used {
		b.used = uint32(required)
	}

	return len(data)
}

// Put appends data at the end of the currently-stored bytes. It is
// equivalent to PutAt(b.Used(), data).
func (b *Buffer) Put(data []byte) int {
	return b.PutAt(b.used, data)
}

// Copy reads len(dst) bytes starting at logical offset into dst without
// removing them, returning the number of bytes actually copied (less than
// len(dst) if the buffer doesn't hold that many bytes past offset).
func (b *Buffer) Copy(dst []byte, offset uint32) int {
	if offset >= b.used {
		return 0
	}

	n := uint32(len(dst))
	if b.used-offset < n {
		n = b.used - offset
	}

	realOffset := b.offset + offset
	size := uint32(len(b.data))
	if size-b.offset <= offset {
		realOffset -= size
	}

	if size-realOffset < n {
		head := size - realOffset
		copy(dst, b.data[realOffset:])
		copy(dst[head:n], b.data[:n-head])
	} else {
		copy(dst, b.data[realOffset:realOffset+n])
	}

	return int(n)
}

// Discard advances the read offset past len bytes, as if they had been
// consumed, and reports how many bytes were actually discarded (clipped
// to Used()).
func (b *Buffer) Discard(n uint32) uint32 {
	if b.used < n {
		n = b.used
	}

	size := uint32(len(b.data))
	if size-b.offset <= n {
		b.offset -= size
	}

	if b.used == n {
		b.offset = 0
	} else {
		b.offset += n
	}

	b.used -= n

	return n
}

// Clear discards all stored bytes and resets the buffer to the empty
// state without releasing the backing array.
func (b *Buffer) Clear() {
	b.used = 0
	b.offset = 0
}

// Used reports how many logical bytes are currently stored.
func (b *Buffer) Used() uint32 {
	return b.used
}

// Free reports how many more bytes can be stored before MaxSize is hit.
func (b *Buffer) Free() uint32 {
	if b.maxSize > b.used {
		return b.maxSize - b.used
	}
	return 0
}

// MaxSize reports the configured ceiling on stored bytes.
func (b *Buffer) MaxSize() uint32 {
	return b.maxSize
}
