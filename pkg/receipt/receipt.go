// Copyright 2025 Certen Protocol
//
// Receipt package implements the three-stage audit chain: a write-ahead
// (WA) receipt records intention before anything runs, a Transition
// receipt records the normalized state change, and a write-final (WF)
// receipt records the decision and outputs. Each receipt's body_cid is
// computed over its body alone — observability data never affects it.

package receipt

import (
	"fmt"

	"github.com/ubl-network/ubl-gate/pkg/cid"
	"github.com/ubl-network/ubl-gate/pkg/sign"
)

// Stage names the position of a receipt in the WA -> Transition -> WF chain.
type Stage string

const (
	StageWA          Stage = "ubl/wa"
	StageTransition  Stage = "ubl/transition"
	StageWF          Stage = "ubl/wf"
	StageAttestation Stage = "ubl/attestation"
)

func knownStage(s Stage) bool {
	switch s {
	case StageWA, StageTransition, StageWF, StageAttestation:
		return true
	}
	return false
}

// Logline is a narrated "who/what/where/why" observability record, carried
// alongside a receipt but never hashed into its body_cid.
type Logline struct {
	Who       string `json:"who,omitempty"`
	ActorDID  string `json:"actor_did,omitempty"`
	What      string `json:"what,omitempty"`
	Where     string `json:"where,omitempty"`
	WhenISO   string `json:"when_iso,omitempty"`
	Why       string `json:"why,omitempty"`
	ContextID string `json:"context_id,omitempty"`
	Version   string `json:"version,omitempty"`
}

// Observability is attached to a receipt after signing; it is excluded from
// body_cid by construction (it lives outside Body).
type Observability struct {
	Ghost   bool     `json:"ghost,omitempty"`
	Logline *Logline `json:"logline,omitempty"`
}

// Receipt is one signed, content-addressed link in the audit chain.
type Receipt struct {
	T             Stage          `json:"t"`
	Parents       []string       `json:"parents"`
	Body          map[string]any `json:"body"`
	BodyCID       string         `json:"body_cid"`
	Proof         sign.Detached  `json:"proof"`
	Observability *Observability `json:"observability,omitempty"`
}

// Build signs body with kr's active key and returns the resulting receipt.
// The result is schema-checked before it is returned: a receipt that fails
// these checks never enters a chain.
func Build(kr *sign.KeyRing, stage Stage, parents []string, body map[string]any) (Receipt, error) {
	if !knownStage(stage) {
		return Receipt{}, fmt.Errorf("receipt: unknown receipt tag %q", stage)
	}
	bodyCID, canonicalBody, err := cid.OfValue(body)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt: canonicalize body: %w", err)
	}
	proof, err := kr.Sign(canonicalBody)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt: sign body: %w", err)
	}
	if !cid.Valid(bodyCID) {
		return Receipt{}, fmt.Errorf("receipt: malformed body cid %q", bodyCID)
	}
	if proof.Kid == "" || proof.Signature == "" {
		return Receipt{}, fmt.Errorf("receipt: proof is missing kid or signature")
	}
	return Receipt{T: stage, Parents: parents, Body: body, BodyCID: bodyCID, Proof: proof}, nil
}

// VerifyBodyCID recomputes the CID of r.Body and confirms it matches r.BodyCID.
func VerifyBodyCID(r Receipt) error {
	want, _, err := cid.OfValue(r.Body)
	if err != nil {
		return fmt.Errorf("receipt: recompute body cid: %w", err)
	}
	if want != r.BodyCID {
		return fmt.Errorf("receipt: body_cid mismatch: stored %s, recomputed %s", r.BodyCID, want)
	}
	return nil
}

// Validate checks body_cid integrity and signature validity against kr.
func Validate(kr *sign.KeyRing, r Receipt) error {
	if err := VerifyBodyCID(r); err != nil {
		return err
	}
	_, canonicalBody, err := cid.OfValue(r.Body)
	if err != nil {
		return fmt.Errorf("receipt: canonicalize body: %w", err)
	}
	if err := kr.Verify(canonicalBody, r.Proof); err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	return nil
}

// WithObservability returns a copy of r with observability attached. Since
// body_cid was already computed over Body alone, attaching observability
// here never invalidates the signature.
func WithObservability(r Receipt, o *Observability) Receipt {
	r.Observability = o
	return r
}
