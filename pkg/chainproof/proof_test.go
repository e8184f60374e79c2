// Copyright 2025 Certen Protocol
//
// Unit tests for receipt-trail inclusion proofs.

package chainproof

import (
	"strings"
	"testing"
)

// chain builds n fake receipt body_cids, distinct and well-formed.
func chain(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "b3:" + strings.Repeat("0123456789abcdef"[i%16:i%16+1], 64)
	}
	return out
}

// ============================================================================
// Root
// ============================================================================

func TestRoot_EmptyChainErrors(t *testing.T) {
	if _, err := Root(nil); err != ErrEmptyChain {
		t.Fatalf("got %v, want ErrEmptyChain", err)
	}
}

func TestRoot_Deterministic(t *testing.T) {
	cids := chain(5)
	a, err := Root(cids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Root(cids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Errorf("expected a stable root, got %s and %s", a, b)
	}
	if !strings.HasPrefix(a, "b3:") || len(a) != 67 {
		t.Errorf("root %q is not a well-formed digest", a)
	}
}

func TestRoot_OrderSensitive(t *testing.T) {
	cids := chain(4)
	forward, _ := Root(cids)
	reversed := []string{cids[3], cids[2], cids[1], cids[0]}
	backward, _ := Root(reversed)
	if forward == backward {
		t.Error("expected the trail root to commit to receipt order")
	}
}

func TestRoot_SingleReceiptChain(t *testing.T) {
	cids := chain(1)
	root, err := Root(cids)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A single-receipt chain's root is the leaf hash, which must still
	// differ from the body_cid itself (leaves are domain-prefixed).
	if root == cids[0] {
		t.Error("expected the leaf hash to be domain-separated from the raw body_cid")
	}
}

// ============================================================================
// Prove / Verify
// ============================================================================

func TestProve_EveryIndexVerifies(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5, 8} {
		cids := chain(n)
		root, err := Root(cids)
		if err != nil {
			t.Fatalf("chain of %d: unexpected error: %v", n, err)
		}
		for i, c := range cids {
			p, err := Prove(cids, c)
			if err != nil {
				t.Fatalf("chain of %d, index %d: unexpected error: %v", n, i, err)
			}
			if p.Index != i || p.ChainLen != n || p.Root != root {
				t.Errorf("chain of %d, index %d: proof metadata %+v", n, i, p)
			}
			if !Verify(p, root) {
				t.Errorf("chain of %d, index %d: proof did not verify", n, i)
			}
		}
	}
}

func TestProve_AbsentBodyCIDErrors(t *testing.T) {
	cids := chain(3)
	if _, err := Prove(cids, "b3:"+strings.Repeat("f", 64)); err != ErrNotInChain {
		t.Fatalf("got %v, want ErrNotInChain", err)
	}
}

func TestVerify_RejectsWrongRoot(t *testing.T) {
	cids := chain(4)
	p, err := Prove(cids, cids[2])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	otherRoot, _ := Root(chain(5))
	if Verify(p, otherRoot) {
		t.Error("expected verification against a different trail's root to fail")
	}
}

func TestVerify_RejectsTamperedProof(t *testing.T) {
	cids := chain(4)
	root, _ := Root(cids)

	p, err := Prove(cids, cids[1])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	swapped := *p
	swapped.BodyCID = cids[2] // claim the proof is for a different receipt
	if Verify(&swapped, root) {
		t.Error("expected a proof re-targeted at another body_cid to fail")
	}

	if len(p.Steps) == 0 {
		t.Fatal("expected a multi-receipt proof to carry steps")
	}
	flipped := *p
	flipped.Steps = append([]Step(nil), p.Steps...)
	flipped.Steps[0].Right = !flipped.Steps[0].Right
	if Verify(&flipped, root) {
		t.Error("expected a proof with a flipped sibling side to fail")
	}

	garbled := *p
	garbled.Steps = append([]Step(nil), p.Steps...)
	garbled.Steps[0].Sibling = "b3:not-hex"
	if Verify(&garbled, root) {
		t.Error("expected a proof with a malformed sibling digest to fail")
	}
}

func TestVerify_NilProofFails(t *testing.T) {
	root, _ := Root(chain(2))
	if Verify(nil, root) {
		t.Error("expected a nil proof to fail verification")
	}
}

func TestProve_PromotedLeafHasShorterPath(t *testing.T) {
	// In a 5-receipt chain the last leaf is promoted unpaired through the
	// first fold, so its proof has fewer steps than a paired leaf's.
	cids := chain(5)
	root, _ := Root(cids)

	paired, err := Prove(cids, cids[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	promoted, err := Prove(cids, cids[4])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(promoted.Steps) >= len(paired.Steps) {
		t.Errorf("expected the promoted leaf's path (%d steps) to be shorter than a paired leaf's (%d)",
			len(promoted.Steps), len(paired.Steps))
	}
	if !Verify(promoted, root) {
		t.Error("expected the promoted leaf's proof to verify")
	}
}
