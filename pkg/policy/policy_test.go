// Copyright 2025 Certen Protocol
//
// Unit tests for the cascading policy evaluator.

package policy

import "testing"

// ============================================================================
// Legacy single-flag mode
// ============================================================================

func TestResolve_LegacyEmptyRulesAllowsByDefault(t *testing.T) {
	r := Resolve(Cascade{}, nil, 0)
	if r.Decision != DecisionAllow {
		t.Errorf("decision got %s, want %s", r.Decision, DecisionAllow)
	}
	if len(r.Trace) != 1 || r.Trace[0].Rule != "UBL_LEGACY_ALLOW" || r.Trace[0].Result != "PASS" {
		t.Errorf("unexpected trace: %+v", r.Trace)
	}
}

func TestResolve_LegacyExplicitDeny(t *testing.T) {
	deny := false
	r := Resolve(Cascade{Legacy: &deny}, nil, 0)
	if r.Decision != DecisionDeny {
		t.Errorf("decision got %s, want %s", r.Decision, DecisionDeny)
	}
	if r.DecidedBy != "UBL_LEGACY_DENY" {
		t.Errorf("decided_by got %q, want %q", r.DecidedBy, "UBL_LEGACY_DENY")
	}
	if len(r.Trace) != 1 || r.Trace[0].Rule != "UBL_LEGACY_DENY" || r.Trace[0].Result != "DENY" {
		t.Errorf("unexpected trace: %+v", r.Trace)
	}
}

func TestResolve_LegacyExplicitAllow(t *testing.T) {
	allow := true
	r := Resolve(Cascade{Legacy: &allow}, nil, 0)
	if r.Decision != DecisionAllow {
		t.Errorf("decision got %s, want %s", r.Decision, DecisionAllow)
	}
}

// ============================================================================
// Cascade evaluation order and short-circuiting
// ============================================================================

// A rule's condition is a guard: the action fires when the guard fails, not
// when it matches. See cascade_global_deny_stops_early in the ground-truth
// ubl_runtime policy evaluator.
func TestResolve_FailingGuardFiresDenyAndStopsEvaluation(t *testing.T) {
	c := Cascade{Rules: []Rule{
		{ID: "UBL_REQUIRE_TOKEN", Level: "global", Condition: "inputs.token", Action: ActionDeny, Reason: "token required"},
		{ID: "ACME_BRAND", Level: "tenant", Condition: "inputs.brand_id", Action: ActionDeny, Reason: "brand_id required"},
	}}
	r := Resolve(c, map[string]any{"brand_id": "acme"}, 0)
	if r.Decision != DecisionDeny {
		t.Errorf("decision got %s, want %s", r.Decision, DecisionDeny)
	}
	if r.DecidedBy != "UBL_REQUIRE_TOKEN" {
		t.Errorf("decided_by got %q, want %q", r.DecidedBy, "UBL_REQUIRE_TOKEN")
	}
	if r.Reason != "token required" {
		t.Errorf("reason got %q, want %q", r.Reason, "token required")
	}
	if len(r.Trace) != 1 {
		t.Fatalf("expected evaluation to stop after the first failing guard, trace: %+v", r.Trace)
	}
	if r.Trace[0].Result != "DENY" {
		t.Errorf("trace entry result got %q, want %q", r.Trace[0].Result, "DENY")
	}
}

func TestResolve_PassingGuardsAllThroughAllowsAndTracesEachRule(t *testing.T) {
	c := Cascade{Rules: []Rule{
		{ID: "UBL_AUTH", Level: "global", Condition: "true", Action: ActionDeny},
		{ID: "ACME_BRAND", Level: "tenant", Condition: "inputs.brand_id", Action: ActionDeny, Reason: "brand_id required"},
	}}
	r := Resolve(c, map[string]any{"brand_id": "acme"}, 0)
	if r.Decision != DecisionAllow {
		t.Errorf("decision got %s, want %s", r.Decision, DecisionAllow)
	}
	if len(r.Trace) != 2 {
		t.Fatalf("expected both rules to be recorded, trace: %+v", r.Trace)
	}
	if r.Trace[0].Rule != "UBL_AUTH" || r.Trace[0].Result != "PASS" {
		t.Errorf("unexpected first trace entry: %+v", r.Trace[0])
	}
	if r.Trace[1].Rule != "ACME_BRAND" || r.Trace[1].Result != "PASS" {
		t.Errorf("unexpected second trace entry: %+v", r.Trace[1])
	}
}

func TestResolve_WarnRecordsFailureAsDenyButContinuesCascade(t *testing.T) {
	c := Cascade{Rules: []Rule{
		{ID: "SOFT_CHECK", Level: "tenant", Condition: "inputs.optional_field", Action: ActionWarn, Reason: "optional_field missing"},
		{ID: "HARD_CHECK", Level: "tenant", Condition: "true", Action: ActionDeny},
	}}
	r := Resolve(c, map[string]any{"message": "hi"}, 0)
	if r.Decision != DecisionAllow {
		t.Errorf("decision got %s, want %s", r.Decision, DecisionAllow)
	}
	if len(r.Trace) != 2 {
		t.Fatalf("expected both rules to be recorded, trace: %+v", r.Trace)
	}
	if r.Trace[0].Result != "DENY" {
		t.Errorf("expected the warn rule's failed guard to be recorded as DENY in the trace, got %+v", r.Trace[0])
	}
	if r.Trace[0].Reason != "optional_field missing" {
		t.Errorf("reason got %q, want %q", r.Trace[0].Reason, "optional_field missing")
	}
	if r.Trace[1].Result != "PASS" {
		t.Errorf("expected the second rule's guard to hold, got %+v", r.Trace[1])
	}
}

func TestResolve_DefaultReasonIsSynthesizedWhenRuleReasonEmpty(t *testing.T) {
	c := Cascade{Rules: []Rule{
		{ID: "NO_REASON", Level: "global", Condition: "inputs.missing_key", Action: ActionDeny},
	}}
	r := Resolve(c, map[string]any{"present_key": "x"}, 0)
	if r.Decision != DecisionDeny {
		t.Errorf("decision got %s, want %s", r.Decision, DecisionDeny)
	}
	want := "rule NO_REASON failed: inputs.missing_key"
	if r.Reason != want {
		t.Errorf("reason got %q, want %q", r.Reason, want)
	}
}

func TestResolve_BodySizeRule(t *testing.T) {
	c := Cascade{Rules: []Rule{
		{ID: "MAX_BODY", Level: "global", Condition: "body_size <= 1024", Action: ActionDeny, Reason: "body too large"},
	}}
	if r := Resolve(c, nil, 512); r.Decision != DecisionAllow {
		t.Errorf("decision got %s, want %s for a body within the cap", r.Decision, DecisionAllow)
	}
	r := Resolve(c, nil, 2048)
	if r.Decision != DecisionDeny {
		t.Errorf("decision got %s, want %s for a body over the cap", r.Decision, DecisionDeny)
	}
	if r.DecidedBy != "MAX_BODY" {
		t.Errorf("decided_by got %q, want %q", r.DecidedBy, "MAX_BODY")
	}
}

// ============================================================================
// Condition grammar
// ============================================================================

func TestEvaluateCondition_BodySize(t *testing.T) {
	if !evaluateCondition("body_size <= 1024", nil, 512) {
		t.Error("expected 512 <= 1024 to hold")
	}
	if evaluateCondition("body_size <= 1024", nil, 2048) {
		t.Error("expected 2048 <= 1024 to not hold")
	}
}

func TestEvaluateCondition_InputsPresence(t *testing.T) {
	inputs := map[string]any{"amount": 100, "nullable": nil}
	if !evaluateCondition("inputs.amount", inputs, 0) {
		t.Error("expected inputs.amount to hold when present and non-nil")
	}
	if evaluateCondition("inputs.nullable", inputs, 0) {
		t.Error("expected inputs.nullable to not hold when value is nil")
	}
	if evaluateCondition("inputs.missing", inputs, 0) {
		t.Error("expected inputs.missing to not hold when absent")
	}
}

func TestEvaluateCondition_InputsNotNull(t *testing.T) {
	inputs := map[string]any{"amount": 100}
	if !evaluateCondition("inputs.amount != null", inputs, 0) {
		t.Error("expected != null to hold for a present, non-nil value")
	}
}

func TestEvaluateCondition_InputsEquality(t *testing.T) {
	inputs := map[string]any{"currency": "USD"}
	if !evaluateCondition(`inputs.currency == "USD"`, inputs, 0) {
		t.Error("expected equality match to hold")
	}
	if evaluateCondition(`inputs.currency == "EUR"`, inputs, 0) {
		t.Error("expected equality mismatch to not hold")
	}
}

func TestEvaluateCondition_AlwaysHoldsEmptyOrTrue(t *testing.T) {
	if !evaluateCondition("", nil, 0) {
		t.Error(`expected "" to always hold`)
	}
	if !evaluateCondition("true", nil, 0) {
		t.Error(`expected "true" to always hold`)
	}
}

func TestEvaluateCondition_UnknownGrammarFailsOpen(t *testing.T) {
	if !evaluateCondition("nonsense garbage condition", nil, 0) {
		t.Error("expected an unrecognized condition to fail open (hold, so its rule never fires)")
	}
}

func TestEvaluateCondition_UnparseableBodySizeFailsOpen(t *testing.T) {
	if !evaluateCondition("body_size <= not-a-number", nil, 0) {
		t.Error("expected an unparseable body_size bound to fail open (hold)")
	}
}
