// Copyright 2025 Certen Protocol
//
// Chainproof builds Merkle inclusion proofs over a tenant's receipt trail:
// each leaf is a receipt body_cid, so an auditor holding only the trail
// root can verify that a single receipt is a member of the chain without
// re-fetching and re-walking the entire trail.

package chainproof

import (
	"encoding/hex"
	"errors"
	"fmt"

	"lukechampine.com/blake3"
)

var (
	ErrEmptyChain = errors.New("chainproof: cannot prove over an empty chain")
	ErrNotInChain = errors.New("chainproof: body_cid is not in the chain")
)

// Leaf and interior nodes are hashed with distinct domain prefixes so a
// proof for an interior node can never be replayed as a proof for a leaf.
const (
	leafPrefix byte = 0x00
	nodePrefix byte = 0x01
)

// Step is one level of an inclusion proof: the sibling subtree's digest and
// which side of the running hash it combines on.
type Step struct {
	Sibling string `json:"sibling"` // "b3:" + hex digest of the sibling subtree
	Right   bool   `json:"right"`   // sibling sits to the right of the running hash
}

// Proof shows that BodyCID is the Index-th receipt of a chain of ChainLen
// receipts whose trail root is Root.
type Proof struct {
	BodyCID  string `json:"body_cid"`
	Index    int    `json:"index"`
	Root     string `json:"root"`
	ChainLen int    `json:"chain_len"`
	Steps    []Step `json:"steps"`
}

func leafHash(bodyCID string) [32]byte {
	buf := make([]byte, 0, 1+len(bodyCID))
	buf = append(buf, leafPrefix)
	buf = append(buf, bodyCID...)
	return blake3.Sum256(buf)
}

func nodeHash(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 1+64)
	buf = append(buf, nodePrefix)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return blake3.Sum256(buf)
}

func digestString(d [32]byte) string {
	return "b3:" + hex.EncodeToString(d[:])
}

// levels hashes every body_cid into a leaf and folds the chain upward,
// returning every level from the leaves (level 0) to the root. An unpaired
// node at the end of a level is promoted to the next level unchanged.
func levels(bodyCIDs []string) [][][32]byte {
	level := make([][32]byte, len(bodyCIDs))
	for i, c := range bodyCIDs {
		level[i] = leafHash(c)
	}
	all := [][][32]byte{level}
	for len(level) > 1 {
		next := make([][32]byte, 0, (len(level)+1)/2)
		for i := 0; i+1 < len(level); i += 2 {
			next = append(next, nodeHash(level[i], level[i+1]))
		}
		if len(level)%2 == 1 {
			next = append(next, level[len(level)-1])
		}
		all = append(all, next)
		level = next
	}
	return all
}

// Root folds the chain's body_cids into its trail root.
func Root(bodyCIDs []string) (string, error) {
	if len(bodyCIDs) == 0 {
		return "", ErrEmptyChain
	}
	lv := levels(bodyCIDs)
	top := lv[len(lv)-1]
	return digestString(top[0]), nil
}

// Prove builds the inclusion proof for bodyCID within the chain. The chain
// must be supplied oldest-first, the same order the audit trail walk
// produces.
func Prove(bodyCIDs []string, bodyCID string) (*Proof, error) {
	if len(bodyCIDs) == 0 {
		return nil, ErrEmptyChain
	}
	index := -1
	for i, c := range bodyCIDs {
		if c == bodyCID {
			index = i
			break
		}
	}
	if index == -1 {
		return nil, ErrNotInChain
	}

	lv := levels(bodyCIDs)
	var steps []Step
	pos := index
	for depth := 0; depth < len(lv)-1; depth++ {
		level := lv[depth]
		if pos%2 == 0 {
			if pos+1 < len(level) {
				steps = append(steps, Step{Sibling: digestString(level[pos+1]), Right: true})
			}
			// Unpaired: the node was promoted, no step at this depth.
		} else {
			steps = append(steps, Step{Sibling: digestString(level[pos-1]), Right: false})
		}
		pos /= 2
	}

	top := lv[len(lv)-1]
	return &Proof{
		BodyCID:  bodyCID,
		Index:    index,
		Root:     digestString(top[0]),
		ChainLen: len(bodyCIDs),
		Steps:    steps,
	}, nil
}

// Verify recomputes the trail root from the proof and reports whether it
// matches expectedRoot. It needs only the proof and the root, never the
// chain itself.
func Verify(p *Proof, expectedRoot string) bool {
	if p == nil {
		return false
	}
	current := leafHash(p.BodyCID)
	for _, step := range p.Steps {
		sibling, err := parseDigest(step.Sibling)
		if err != nil {
			return false
		}
		if step.Right {
			current = nodeHash(current, sibling)
		} else {
			current = nodeHash(sibling, current)
		}
	}
	return digestString(current) == expectedRoot && p.Root == expectedRoot
}

func parseDigest(s string) ([32]byte, error) {
	var d [32]byte
	if len(s) != 3+64 || s[:3] != "b3:" {
		return d, fmt.Errorf("chainproof: malformed digest %q", s)
	}
	raw, err := hex.DecodeString(s[3:])
	if err != nil {
		return d, fmt.Errorf("chainproof: malformed digest %q: %w", s, err)
	}
	copy(d[:], raw)
	return d, nil
}
