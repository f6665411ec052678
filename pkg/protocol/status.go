package protocol

import "fmt"

// EncodeSyncStatus wraps an opaque payload as a SYNC_STATUS frame.
// The relay never looks inside the payload.
func EncodeSyncStatus(payload []byte) []byte {
	e := NewEncoderWithCap(len(payload) + 2*MaxVarintLen)
	e.WriteUvarint(uint64(MessageSyncStatus))
	e.WriteLenBytes(payload)
	return e.Bytes()
}

// DecodeSyncStatus returns the payload of a SYNC_STATUS frame.
func DecodeSyncStatus(b []byte) ([]byte, error) {
	d := NewDecoder(b)
	if err := readTag(d, MessageSyncStatus); err != nil {
		return nil, err
	}
	payload, err := d.ReadLenBytes()
	if err != nil {
		return nil, fmt.Errorf("protocol: read sync status payload: %w", err)
	}
	return payload, nil
}
