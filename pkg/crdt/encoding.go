package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/vango-dev/relay/pkg/protocol"
)

// Update wire format:
//
//	varuint count
//	count × (
//	    varuint client
//	    varuint clock
//	    varuint lamport
//	    varstring key
//	    byte kind            0 = set, 1 = delete
//	    [varbytes value]     JSON, present only for set
//	)
func encodeOps(ops []op) []byte {
	e := protocol.NewEncoderWithCap(16 + len(ops)*32)
	e.WriteUvarint(uint64(len(ops)))
	for _, o := range ops {
		e.WriteUvarint(o.client)
		e.WriteUvarint(o.clock)
		e.WriteUvarint(o.lamport)
		e.WriteString(o.key)
		e.WriteByte(o.kind)
		if o.kind == opSet {
			e.WriteLenBytes(o.value)
		}
	}
	return e.Bytes()
}

func decodeOps(b []byte) ([]op, error) {
	d := protocol.NewDecoder(b)
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	ops := make([]op, 0, count)
	for i := 0; i < count; i++ {
		o, err := decodeOp(d)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrInvalidUpdate, i, err)
		}
		ops = append(ops, o)
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidUpdate, d.Remaining())
	}
	return ops, nil
}

func decodeOp(d *protocol.Decoder) (op, error) {
	var o op
	var err error
	if o.client, err = d.ReadUvarint(); err != nil {
		return op{}, err
	}
	if o.clock, err = d.ReadUvarint(); err != nil {
		return op{}, err
	}
	if o.lamport, err = d.ReadUvarint(); err != nil {
		return op{}, err
	}
	if o.key, err = d.ReadString(); err != nil {
		return op{}, err
	}
	if o.kind, err = d.ReadByte(); err != nil {
		return op{}, err
	}
	switch o.kind {
	case opSet:
		if o.value, err = d.ReadLenBytes(); err != nil {
			return op{}, err
		}
		if !json.Valid(o.value) {
			return op{}, fmt.Errorf("value for %q is not valid JSON", o.key)
		}
	case opDelete:
	default:
		return op{}, fmt.Errorf("unknown op kind %d", o.kind)
	}
	return o, nil
}

func decodeStateVector(b []byte) (map[uint64]uint64, error) {
	d := protocol.NewDecoder(b)
	count, err := d.ReadCollectionCount()
	if err != nil {
		return nil, fmt.Errorf("%w: state vector: %v", ErrInvalidUpdate, err)
	}
	sv := make(map[uint64]uint64, count)
	for i := 0; i < count; i++ {
		client, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrInvalidUpdate, err)
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: state vector: %v", ErrInvalidUpdate, err)
		}
		sv[client] = clock
	}
	return sv, nil
}

// DecodeStateVector parses a state vector into client -> next clock.
func DecodeStateVector(sv []byte) (map[uint64]uint64, error) {
	return decodeStateVector(sv)
}
