package protocol

// MaxVarintLen bounds the encoded size of a uint64 varint.
const MaxVarintLen = 10

// DecodeUvarint reads the varint at the start of buf without a Decoder,
// for peeking at a frame's message type. n is the number of bytes
// consumed: -1 when buf ends inside the varint, -2 when it runs past
// MaxVarintLen bytes.
func DecodeUvarint(buf []byte) (v uint64, n int) {
	for i, b := range buf {
		if i == MaxVarintLen {
			return 0, -2
		}
		v |= uint64(b&0x7f) << (7 * uint(i))
		if b < 0x80 {
			return v, i + 1
		}
	}
	return 0, -1
}
