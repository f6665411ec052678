package protocol

// Encoder builds a frame by appending to a growing buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with a small initial buffer.
func NewEncoder() *Encoder {
	return NewEncoderWithCap(64)
}

// NewEncoderWithCap returns an Encoder whose buffer starts with room for
// n bytes. Frame builders size it from the payload they wrap.
func NewEncoderWithCap(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

// Bytes returns the frame built so far. Later writes may reuse it.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// WriteByte appends b. Unlike io.ByteWriter it cannot fail.
func (e *Encoder) WriteByte(b byte) {
	e.buf = append(e.buf, b)
}

// WriteUvarint appends v as a varint: 7 bits per byte, low group first,
// high bit set on all but the last byte.
func (e *Encoder) WriteUvarint(v uint64) {
	for ; v >= 0x80; v >>= 7 {
		e.buf = append(e.buf, byte(v)|0x80)
	}
	e.buf = append(e.buf, byte(v))
}

// WriteString appends s with a varint length prefix.
func (e *Encoder) WriteString(s string) {
	e.WriteUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteLenBytes appends b with a varint length prefix. Sync and
// awareness payloads travel this way.
func (e *Encoder) WriteLenBytes(b []byte) {
	e.WriteUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}
