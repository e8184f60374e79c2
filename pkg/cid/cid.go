// Copyright 2025 Certen Protocol
//
// CID package computes content identifiers over canonical bytes using
// BLAKE3, following the "b3:<hex>" convention used throughout the ledger.

package cid

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"lukechampine.com/blake3"

	"github.com/ubl-network/ubl-gate/pkg/canon"
)

// Prefix is prepended to every content identifier this package produces.
const Prefix = "b3:"

// Len is the fixed length of a CID string: "b3:" plus 64 hex characters.
const Len = len(Prefix) + 64

// Of returns the content identifier of raw bytes: "b3:" + lower-hex(blake3(bytes)).
func Of(data []byte) string {
	sum := blake3.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:])
}

// OfCanonicalJSON canonicalizes raw JSON bytes (per pkg/canon) and returns
// the CID of the canonical encoding.
func OfCanonicalJSON(raw []byte) (string, []byte, error) {
	cb, err := canon.Canonicalize(raw)
	if err != nil {
		return "", nil, fmt.Errorf("cid: canonicalize: %w", err)
	}
	return Of(cb), cb, nil
}

// OfValue canonicalizes an in-memory value and returns its CID and canonical
// bytes. It marshals v to JSON first and canonicalizes that, rather than
// walking v directly, so native Go numeric/slice/struct types go through the
// same json.Number/UseNumber path as everything read off the wire.
func OfValue(v any) (string, []byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("cid: marshal value: %w", err)
	}
	return OfCanonicalJSON(raw)
}

// Valid reports whether s has the exact shape of a CID this package issues.
func Valid(s string) bool {
	if len(s) != Len || !strings.HasPrefix(s, Prefix) {
		return false
	}
	_, err := hex.DecodeString(s[len(Prefix):])
	return err == nil
}
