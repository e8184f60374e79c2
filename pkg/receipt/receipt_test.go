// Copyright 2025 Certen Protocol
//
// Unit tests for the WA/Transition/WF receipt chain.

package receipt

import (
	"errors"
	"testing"

	"github.com/ubl-network/ubl-gate/pkg/sign"
)

func devRing() *sign.KeyRing {
	return sign.Dev()
}

// ============================================================================
// Build / VerifyBodyCID / Validate
// ============================================================================

func TestBuild_BodyCIDIsStableUnderReordering(t *testing.T) {
	kr := devRing()
	a, err := Build(kr, StageWA, nil, map[string]any{"x": 1, "y": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Build(kr, StageWA, nil, map[string]any{"y": 2, "x": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.BodyCID != b.BodyCID {
		t.Errorf("expected key-order-independent body_cid, got %s and %s", a.BodyCID, b.BodyCID)
	}
}

func TestBuild_VerifyBodyCIDSucceeds(t *testing.T) {
	kr := devRing()
	r, err := Build(kr, StageWA, nil, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := VerifyBodyCID(r); err != nil {
		t.Errorf("expected body_cid to verify: %v", err)
	}
}

func TestVerifyBodyCID_DetectsTamperedBody(t *testing.T) {
	kr := devRing()
	r, err := Build(kr, StageWA, nil, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Body["a"] = 2
	if err := VerifyBodyCID(r); err == nil {
		t.Error("expected body_cid mismatch after tampering with body")
	}
}

func TestValidate_SucceedsForFreshlyBuiltReceipt(t *testing.T) {
	kr := devRing()
	r, err := Build(kr, StageWA, nil, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := Validate(kr, r); err != nil {
		t.Errorf("expected validation to succeed: %v", err)
	}
}

func TestValidate_RejectsTamperedSignature(t *testing.T) {
	kr := devRing()
	r, err := Build(kr, StageWA, nil, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Proof.Signature = "tampered"
	if err := Validate(kr, r); err == nil {
		t.Error("expected validation to fail against a tampered signature")
	}
}

func TestWithObservability_DoesNotChangeBodyCID(t *testing.T) {
	kr := devRing()
	r, err := Build(kr, StageWA, nil, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := r.BodyCID
	withObs := WithObservability(r, &Observability{Ghost: true, Logline: &Logline{Who: "svc"}})
	if withObs.BodyCID != before {
		t.Error("expected attaching observability to leave body_cid unchanged")
	}
	if err := Validate(kr, withObs); err != nil {
		t.Errorf("expected validation to still succeed after attaching observability: %v", err)
	}
}

// ============================================================================
// Run chain shape
// ============================================================================

func TestRun_ProducesThreeLinkedReceiptsOnAllow(t *testing.T) {
	kr := devRing()
	vars := map[string]any{"amount": 100}

	rr, err := Run(kr, Options{Pipeline: "passthrough"}, vars, func() (EngineResult, error) {
		return EngineResult{
			Decision:       "ALLOW",
			OutputsCID:     "b3:cafef00d",
			DimensionStack: []string{"parse", "policy", "render"},
		}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rr.WA.T != StageWA || rr.Transition.T != StageTransition || rr.WF.T != StageWF {
		t.Errorf("unexpected receipt tags: %q %q %q", rr.WA.T, rr.Transition.T, rr.WF.T)
	}
	if len(rr.WA.Parents) != 0 {
		t.Errorf("expected the first WA in a tenant's chain to have no parents, got %v", rr.WA.Parents)
	}
	if _, present := rr.WA.Body["prev_tip"]; present {
		t.Error("expected prev_tip to be absent from the first WA body")
	}
	if len(rr.Transition.Parents) != 1 || rr.Transition.Parents[0] != rr.WA.BodyCID {
		t.Errorf("expected transition to parent the wa receipt, got %v", rr.Transition.Parents)
	}
	if len(rr.WF.Parents) != 2 || rr.WF.Parents[0] != rr.WA.BodyCID || rr.WF.Parents[1] != rr.Transition.BodyCID {
		t.Errorf("expected wf to parent both wa and transition, got %v", rr.WF.Parents)
	}
	if rr.Tip != rr.WF.BodyCID {
		t.Errorf("expected tip to be the wf body_cid, got %s", rr.Tip)
	}
	if rr.WF.Body["decision"] != "ALLOW" {
		t.Errorf("expected wf decision ALLOW, got %v", rr.WF.Body["decision"])
	}
	if rr.WF.Body["outputs_cid"] == nil {
		t.Error("expected outputs_cid to be set on an ALLOW decision")
	}

	intention, ok := rr.WA.Body["intention"].(map[string]any)
	if !ok {
		t.Fatalf("expected wa body to carry an intention map, got %T", rr.WA.Body["intention"])
	}
	if intention["pipeline"] != "passthrough" {
		t.Errorf("expected intention.pipeline passthrough, got %v", intention["pipeline"])
	}
	wantKey := "passthrough:" + rr.WA.Body["inputs_raw_cid"].(string)
	if rr.IdempotencyKey != wantKey {
		t.Errorf("idempotency key got %q, want %q", rr.IdempotencyKey, wantKey)
	}
}

func TestRun_NextRunChainsOffPrevTip(t *testing.T) {
	kr := devRing()
	first, err := Run(kr, Options{}, map[string]any{"n": 1}, func() (EngineResult, error) {
		return EngineResult{Decision: "ALLOW"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := Run(kr, Options{PrevTip: first.Tip}, map[string]any{"n": 2}, func() (EngineResult, error) {
		return EngineResult{Decision: "ALLOW"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(second.WA.Parents) != 1 || second.WA.Parents[0] != first.Tip {
		t.Errorf("expected second wa to parent the first tip, got %v", second.WA.Parents)
	}
	if second.WA.Body["prev_tip"] != first.Tip {
		t.Errorf("expected wa body prev_tip to record the prior tip, got %v", second.WA.Body["prev_tip"])
	}
}

func TestRun_DenyLeavesOutputsCIDNull(t *testing.T) {
	kr := devRing()
	rr, err := Run(kr, Options{}, map[string]any{"n": 1}, func() (EngineResult, error) {
		return EngineResult{Decision: "DENY", DimensionStack: []string{"parse", "policy"}, Reason: "blocked"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rr.WF.Body["outputs_cid"] != nil {
		t.Errorf("expected outputs_cid to be null on DENY, got %v", rr.WF.Body["outputs_cid"])
	}
	if rr.WF.Body["reason"] != "blocked" {
		t.Errorf("expected reason to be recorded on the wf body, got %v", rr.WF.Body["reason"])
	}
}

func TestRun_EngineErrorSealsIntoDenyWF(t *testing.T) {
	kr := devRing()
	rr, err := Run(kr, Options{}, map[string]any{"n": 1}, func() (EngineResult, error) {
		return EngineResult{}, errBoom
	})
	if err != nil {
		t.Fatalf("expected the engine fault to be sealed into a DENY wf, got error: %v", err)
	}
	if rr.WF.Body["decision"] != "DENY" {
		t.Errorf("expected DENY, got %v", rr.WF.Body["decision"])
	}
	if rr.WF.Body["reason"] != errBoom.Error() {
		t.Errorf("expected the engine error message as the wf reason, got %v", rr.WF.Body["reason"])
	}
}

func TestRun_SeenKeyFailsWithDuplicateError(t *testing.T) {
	kr := devRing()
	ran := false
	_, err := Run(kr, Options{Seen: func(string) bool { return true }}, map[string]any{"n": 1}, func() (EngineResult, error) {
		ran = true
		return EngineResult{Decision: "ALLOW"}, nil
	})
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("expected a DuplicateError, got %v", err)
	}
	if ran {
		t.Error("expected the engine to never run on a replayed key")
	}
}

func TestRun_GhostMarksAllReceiptsAndResult(t *testing.T) {
	kr := devRing()
	rr, err := Run(kr, Options{Ghost: true, Logline: &Logline{Who: "svc"}}, map[string]any{"n": 1}, func() (EngineResult, error) {
		return EngineResult{Decision: "ALLOW"}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !rr.Ghost {
		t.Error("expected the run result to carry ghost=true")
	}
	for _, rec := range []Receipt{rr.WA, rr.Transition, rr.WF} {
		if rec.Observability == nil || !rec.Observability.Ghost {
			t.Errorf("expected %s observability.ghost to be set", rec.T)
		}
		if err := Validate(kr, rec); err != nil {
			t.Errorf("expected %s to still validate with observability attached: %v", rec.T, err)
		}
	}
	if rr.Transition.Body["ghost"] != true {
		t.Error("expected the transition body to record ghost=true")
	}
}

func TestRun_DeterministicBodyCIDs(t *testing.T) {
	kr := devRing()
	vars := map[string]any{"amount": 100, "currency": "EUR"}
	runFn := func() (EngineResult, error) {
		return EngineResult{Decision: "ALLOW", OutputsCID: "b3:cafef00d", DimensionStack: []string{"parse", "policy", "render"}}, nil
	}
	a, err := Run(kr, Options{Pipeline: "p"}, vars, runFn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Run(kr, Options{Pipeline: "p"}, vars, runFn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.WA.BodyCID != b.WA.BodyCID || a.Transition.BodyCID != b.Transition.BodyCID || a.WF.BodyCID != b.WF.BodyCID {
		t.Error("expected two identical runs to produce identical body_cids")
	}
}

func TestRun_WitnessAttachesToTransition(t *testing.T) {
	kr := devRing()
	witness := map[string]any{"vm": "ubl-stack-vm/1", "bytecode_cid": "b3:deadbeef"}
	rr, err := Run(kr, Options{Witness: witness}, map[string]any{"bytecode_cid": "b3:deadbeef"}, func() (EngineResult, error) {
		witness["fuel_spent"] = uint64(42)
		return EngineResult{Decision: "ALLOW", OutputsCID: "b3:cafef00d", DimensionStack: []string{"vm"}}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := rr.Transition.Body["witness"].(map[string]any)
	if !ok {
		t.Fatalf("expected transition body to carry a witness map, got %T", rr.Transition.Body["witness"])
	}
	if got["fuel_spent"] != uint64(42) {
		t.Errorf("expected fuel_spent to reflect the post-run value, got %v", got["fuel_spent"])
	}
	// Integrity: the witness mutation happened before Build hashed the body,
	// so the recomputed body_cid must still match.
	if err := VerifyBodyCID(rr.Transition); err != nil {
		t.Errorf("expected transition body_cid to verify after witness mutation: %v", err)
	}
}

type boomErr string

func (e boomErr) Error() string { return string(e) }

var errBoom = boomErr("engine exploded")
