// Copyright 2025 Certen Protocol
//
// Vm executes a decoded bytecode stream against a content-addressed store
// and a signer, charging one fuel unit per instruction before it dispatches
// and stopping the moment the budget would be exceeded.

package vm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ubl-network/ubl-gate/pkg/canon"
	"github.com/ubl-network/ubl-gate/pkg/cid"
	"github.com/ubl-network/ubl-gate/pkg/sign"
)

// CasProvider is the content-addressed store the VM reads and writes
// through CasGet/CasPut/EmitRc.
type CasProvider interface {
	Get(cidStr string) ([]byte, bool, error)
	Put(data []byte) (string, error)
}

// SignProvider signs a receipt body for AttachProof/EmitRc.
type SignProvider interface {
	Sign(body []byte) (sign.Detached, error)
}

// ExecError is the VM's error taxonomy. Deny and FuelExhausted are
// first-class outcomes a caller should branch on by type, not by string match.
type ExecError struct {
	Kind   string // "fuel_exhausted", "stack_underflow", "type_mismatch", "deny", "not_found", "validation", "internal"
	Reason string
}

func (e *ExecError) Error() string { return fmt.Sprintf("vm: %s: %s", e.Kind, e.Reason) }

func denyErr(reason string) *ExecError      { return &ExecError{Kind: "deny", Reason: reason} }
func fuelErr() *ExecError                   { return &ExecError{Kind: "fuel_exhausted", Reason: "fuel limit exceeded"} }
func underflowErr(op Opcode) *ExecError     { return &ExecError{Kind: "stack_underflow", Reason: op.String()} }
func typeErr(op Opcode, want string) *ExecError {
	return &ExecError{Kind: "type_mismatch", Reason: fmt.Sprintf("%s expected %s on stack", op, want)}
}
func validationErr(msg string) *ExecError { return &ExecError{Kind: "validation", Reason: msg} }
func internalErr(msg string) *ExecError   { return &ExecError{Kind: "internal", Reason: msg} }

// Config bounds one VM run.
type Config struct {
	FuelLimit uint64
	Inputs    [][]byte // indexed operands available to PushInput
}

// Outcome is the terminal result of a run.
type Outcome struct {
	Status    string // "emitted", "denied"
	Reason    string // populated when Status == "denied"
	RcCID     string // populated when Status == "emitted"
	FuelSpent uint64
}

// Vm is a single-use stack machine: construct, Run once, discard.
type Vm struct {
	cfg   Config
	cas   CasProvider
	sign  SignProvider
	stack []any // each element is int64 or []byte
	fuel  uint64
	rcBody map[string]any
	proof  *sign.Detached
}

// New builds a VM bound to a CAS provider and a signer.
func New(cfg Config, cas CasProvider, signer SignProvider) *Vm {
	return &Vm{cfg: cfg, cas: cas, sign: signer}
}

// Run decodes and executes bytecode until it hits OpEmitRc, a Deny
// condition, fuel exhaustion, or a structural error.
func (v *Vm) Run(bytecode []byte) (Outcome, error) {
	instrs, err := Decode(bytecode)
	if err != nil {
		return Outcome{}, err
	}

	for _, instr := range instrs {
		// Fuel is charged before dispatch, saturating, never wrapping past the limit.
		if v.fuel == ^uint64(0) {
			return Outcome{}, fuelErr()
		}
		v.fuel++
		if v.fuel > v.cfg.FuelLimit {
			return Outcome{}, fuelErr()
		}

		outcome, done, err := v.dispatch(instr)
		if err != nil {
			if ee, ok := err.(*ExecError); ok && ee.Kind == "deny" {
				return Outcome{Status: "denied", Reason: ee.Reason, FuelSpent: v.fuel}, nil
			}
			return Outcome{}, err
		}
		if done {
			outcome.FuelSpent = v.fuel
			return outcome, nil
		}
	}
	return Outcome{}, internalErr("bytecode stream ended without EmitRc")
}

func (v *Vm) dispatch(instr Instruction) (Outcome, bool, error) {
	switch instr.Op {
	case OpConstI64:
		n, err := decodeI64(instr.Payload)
		if err != nil {
			return Outcome{}, false, validationErr(err.Error())
		}
		v.push(n)

	case OpConstBytes:
		v.push(append([]byte(nil), instr.Payload...))

	case OpDrop:
		if _, err := v.pop(instr.Op); err != nil {
			return Outcome{}, false, err
		}

	case OpPushInput:
		idx, n := binary.Uvarint(instr.Payload)
		if n <= 0 || int(idx) >= len(v.cfg.Inputs) {
			return Outcome{}, false, validationErr("PushInput: index out of range")
		}
		v.push(append([]byte(nil), v.cfg.Inputs[idx]...))

	case OpAddI64, OpSubI64, OpMulI64:
		b, err := v.popI64(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		a, err := v.popI64(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		v.push(saturatingArith(instr.Op, a, b))

	case OpCmpI64:
		if len(instr.Payload) != 1 {
			return Outcome{}, false, validationErr("CmpI64: payload must be 1 byte")
		}
		// Compares the top of stack against the value beneath it: with
		// [.., x, y] on the stack, CmpI64(LT) pushes y < x.
		top, err := v.popI64(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		under, err := v.popI64(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		v.push(boolToI64(compare(CmpKind(instr.Payload[0]), top, under)))

	case OpAssertTrue:
		a, err := v.popI64(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		if a == 0 {
			return Outcome{}, false, denyErr("assert_false")
		}

	case OpCasGet:
		key, err := v.popBytes(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		data, ok, err := v.cas.Get(string(key))
		if err != nil {
			return Outcome{}, false, internalErr(err.Error())
		}
		if !ok {
			return Outcome{}, false, &ExecError{Kind: "not_found", Reason: string(key)}
		}
		v.push(data)

	case OpCasPut:
		data, err := v.popBytes(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		c, err := v.cas.Put(data)
		if err != nil {
			return Outcome{}, false, internalErr(err.Error())
		}
		v.push([]byte(c))

	case OpJsonNormalize:
		data, err := v.popBytes(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		cb, err := canon.Canonicalize(data)
		if err != nil {
			return Outcome{}, false, validationErr(err.Error())
		}
		v.push(cb)

	case OpJsonValidate:
		data, err := v.popBytes(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		if _, err := canon.Canonicalize(data); err != nil {
			return Outcome{}, false, validationErr(err.Error())
		}
		v.push(data)

	case OpJsonGetKey:
		data, err := v.popBytes(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return Outcome{}, false, validationErr("JsonGetKey: not a JSON object: " + err.Error())
		}
		val, ok := m[string(instr.Payload)]
		if !ok {
			return Outcome{}, false, validationErr("JsonGetKey: no such key: " + string(instr.Payload))
		}
		out, err := json.Marshal(val)
		if err != nil {
			return Outcome{}, false, internalErr(err.Error())
		}
		v.push(out)

	case OpHashBlake3:
		data, err := v.popBytes(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		v.push([]byte(cid.Of(data)))

	case OpSetRcBody:
		data, err := v.popBytes(instr.Op)
		if err != nil {
			return Outcome{}, false, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return Outcome{}, false, validationErr("SetRcBody: not a JSON object: " + err.Error())
		}
		v.rcBody = m

	case OpAttachProof:
		if v.rcBody == nil {
			return Outcome{}, false, validationErr("AttachProof: no rc body set")
		}
		_, canonicalBody, err := cid.OfValue(v.rcBody)
		if err != nil {
			return Outcome{}, false, internalErr(err.Error())
		}
		d, err := v.sign.Sign(canonicalBody)
		if err != nil {
			return Outcome{}, false, internalErr(err.Error())
		}
		v.proof = &d

	case OpSignDefault:
		// No-op: signing happens via AttachProof against the default key.

	case OpEmitRc:
		if v.rcBody == nil {
			return Outcome{}, false, validationErr("EmitRc: no rc body set")
		}
		rc := map[string]any{"body": v.rcBody}
		if v.proof != nil {
			rc["proof"] = v.proof
		}
		rcBytes, err := json.Marshal(rc)
		if err != nil {
			return Outcome{}, false, internalErr(err.Error())
		}
		rcCID, err := v.cas.Put(rcBytes)
		if err != nil {
			return Outcome{}, false, internalErr(err.Error())
		}
		return Outcome{Status: "emitted", RcCID: rcCID}, true, nil

	default:
		return Outcome{}, false, validationErr(fmt.Sprintf("unknown opcode 0x%02x", byte(instr.Op)))
	}

	return Outcome{}, false, nil
}

func (v *Vm) push(val any) { v.stack = append(v.stack, val) }

func (v *Vm) pop(op Opcode) (any, error) {
	if len(v.stack) == 0 {
		return nil, underflowErr(op)
	}
	val := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return val, nil
}

func (v *Vm) popI64(op Opcode) (int64, error) {
	val, err := v.pop(op)
	if err != nil {
		return 0, err
	}
	n, ok := val.(int64)
	if !ok {
		return 0, typeErr(op, "i64")
	}
	return n, nil
}

func (v *Vm) popBytes(op Opcode) ([]byte, error) {
	val, err := v.pop(op)
	if err != nil {
		return nil, err
	}
	b, ok := val.([]byte)
	if !ok {
		return nil, typeErr(op, "bytes")
	}
	return b, nil
}

func saturatingArith(op Opcode, a, b int64) int64 {
	switch op {
	case OpAddI64:
		sum := a + b
		if (b > 0 && sum < a) || (b < 0 && sum > a) {
			if b > 0 {
				return maxI64
			}
			return minI64
		}
		return sum
	case OpSubI64:
		diff := a - b
		if (b < 0 && diff < a) || (b > 0 && diff > a) {
			if b < 0 {
				return maxI64
			}
			return minI64
		}
		return diff
	case OpMulI64:
		if a == 0 || b == 0 {
			return 0
		}
		prod := a * b
		if prod/b != a {
			if (a > 0) == (b > 0) {
				return maxI64
			}
			return minI64
		}
		return prod
	default:
		return 0
	}
}

const (
	maxI64 = int64(1<<63 - 1)
	minI64 = -maxI64 - 1
)

func compare(kind CmpKind, a, b int64) bool {
	switch kind {
	case CmpEQ:
		return a == b
	case CmpNE:
		return a != b
	case CmpLT:
		return a < b
	case CmpLE:
		return a <= b
	case CmpGT:
		return a > b
	case CmpGE:
		return a >= b
	default:
		return false
	}
}

func boolToI64(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
