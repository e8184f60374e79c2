// Copyright 2025 Certen Protocol

package vm

import (
	"encoding/binary"
	"fmt"
)

// Instruction is one decoded TLV entry from a bytecode stream.
type Instruction struct {
	Op      Opcode
	Payload []byte
}

// Decode parses a full TLV instruction stream: repeated
// (u8 opcode, varint payload_len, payload bytes) tuples until the input is
// exhausted.
func Decode(bytecode []byte) ([]Instruction, error) {
	var out []Instruction
	i := 0
	for i < len(bytecode) {
		op := Opcode(bytecode[i])
		i++

		n, nRead := binary.Uvarint(bytecode[i:])
		if nRead <= 0 {
			return nil, fmt.Errorf("vm: decode: invalid payload length varint at offset %d", i)
		}
		i += nRead

		if i+int(n) > len(bytecode) {
			return nil, fmt.Errorf("vm: decode: payload of length %d at offset %d exceeds stream", n, i)
		}
		payload := bytecode[i : i+int(n)]
		i += int(n)

		out = append(out, Instruction{Op: op, Payload: payload})
	}
	return out, nil
}

// EncodeI64 produces the fixed 8-byte big-endian payload ConstI64 expects.
func EncodeI64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeI64(payload []byte) (int64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("vm: ConstI64 payload must be 8 bytes, got %d", len(payload))
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}

// Encode serializes instructions back into a TLV bytecode stream, the
// inverse of Decode. Used by tests and by bytecode-construction helpers.
func Encode(instrs []Instruction) []byte {
	var out []byte
	var lenBuf [binary.MaxVarintLen64]byte
	for _, instr := range instrs {
		out = append(out, byte(instr.Op))
		n := binary.PutUvarint(lenBuf[:], uint64(len(instr.Payload)))
		out = append(out, lenBuf[:n]...)
		out = append(out, instr.Payload...)
	}
	return out
}
