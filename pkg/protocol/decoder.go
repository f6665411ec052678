package protocol

import (
	"errors"
	"io"
)

// Allocation limits to prevent DoS attacks via malicious length prefixes.
const (
	// DefaultMaxAllocation is the default maximum allocation size (16MB).
	// A full document state travels as a single length-prefixed payload,
	// so this is sized for whole snapshots rather than single edits.
	DefaultMaxAllocation = 16 * 1024 * 1024

	// MaxCollectionCount is the maximum number of items in a collection
	// (awareness entries, state vector clients, update ops).
	MaxCollectionCount = 1_000_000
)

// Common decoding errors.
var (
	ErrVarintOverflow     = errors.New("protocol: varint overflow")
	ErrAllocationTooLarge = errors.New("protocol: allocation size exceeds limit")
	ErrCollectionTooLarge = errors.New("protocol: collection count exceeds limit")
)

// Decoder is a binary decoder that reads from a byte buffer.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a new decoder from the given byte slice.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// EOF reports whether every byte has been consumed.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.buf)
}

// ReadByte reads a single byte.
func (d *Decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadUvarint reads an unsigned varint.
func (d *Decoder) ReadUvarint() (uint64, error) {
	var v uint64
	var shift uint

	for {
		if d.pos >= len(d.buf) {
			return 0, io.ErrUnexpectedEOF
		}
		b := d.buf[d.pos]
		d.pos++
		v |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, ErrVarintOverflow
		}
	}
}

// ReadString reads a length-prefixed UTF-8 string.
// Returns ErrAllocationTooLarge if the string exceeds DefaultMaxAllocation.
func (d *Decoder) ReadString() (string, error) {
	b, err := d.readLen()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadLenBytes reads length-prefixed bytes.
// Returns a copy of the bytes (safe to retain).
// Returns ErrAllocationTooLarge if the byte slice exceeds DefaultMaxAllocation.
func (d *Decoder) ReadLenBytes() ([]byte, error) {
	b, err := d.readLen()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (d *Decoder) readLen() ([]byte, error) {
	length, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	// Bounds check: length must fit in remaining buffer
	if length > uint64(d.Remaining()) {
		return nil, io.ErrUnexpectedEOF
	}
	// Allocation limit check: prevent DoS via huge length prefix
	if length > DefaultMaxAllocation {
		return nil, ErrAllocationTooLarge
	}
	n := int(length)
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadCollectionCount reads a varint count and validates it against limits.
// Returns ErrCollectionTooLarge if count exceeds MaxCollectionCount.
func (d *Decoder) ReadCollectionCount() (int, error) {
	count, err := d.ReadUvarint()
	if err != nil {
		return 0, err
	}
	if count > MaxCollectionCount {
		return 0, ErrCollectionTooLarge
	}
	// Every item occupies at least one byte.
	if count > uint64(d.Remaining()) {
		return 0, io.ErrUnexpectedEOF
	}
	return int(count), nil
}
