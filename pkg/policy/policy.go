// Copyright 2025 Certen Protocol
//
// Policy package implements the cascading policy evaluator: an ordered list
// of rules (global, then tenant, then app) is walked in order. Each rule's
// condition is a guard that must hold for evaluation to continue normally;
// when a rule's guard fails, its configured action (DENY/WARN) fires. A
// failing DENY rule terminates evaluation immediately, a failing WARN rule
// is recorded in the trace but does not stop the cascade.

package policy

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is the effect a rule has when its condition fails to hold.
type Action string

const (
	ActionDeny Action = "DENY"
	ActionWarn Action = "WARN"
)

// Decision is the final outcome of resolving a cascade.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
)

// Rule is a single cascade entry: Condition is a guard that, per
// evaluateCondition, must hold for the rule to pass. When it doesn't,
// Action fires.
type Rule struct {
	ID          string `json:"id" yaml:"id"`
	Level       string `json:"level" yaml:"level"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Condition   string `json:"condition" yaml:"condition"`
	Action      Action `json:"action" yaml:"action"`
	Reason      string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Cascade is an ordered policy: rules are evaluated in slice order.
type Cascade struct {
	Rules []Rule `json:"rules" yaml:"rules"`

	// Legacy holds a single allow/deny flag used when Rules is empty —
	// the pre-cascade policy shape still accepted for backward compatibility.
	Legacy *bool `json:"legacy,omitempty" yaml:"legacy,omitempty"`
}

// TraceEntry records the outcome of evaluating one rule's guard: "PASS" if
// the condition held, "DENY" if it failed (regardless of whether the
// rule's own action was DENY or WARN — WARN failures are still recorded
// with result "DENY" since the guard itself failed).
type TraceEntry struct {
	Level  string `json:"level,omitempty"`
	Rule   string `json:"rule"`
	Result string `json:"result"`
	Reason string `json:"reason,omitempty"`
}

// Result is the outcome of Resolve: the final decision, the rule that
// decided it (if any), and the full evaluation trace.
type Result struct {
	Decision  Decision     `json:"decision"`
	DecidedBy string       `json:"decided_by,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Trace     []TraceEntry `json:"policy_trace"`
}

// Resolve evaluates a cascade against the given inputs and body size. Each
// rule's condition is a guard: if it holds, the rule passes and evaluation
// continues; if it doesn't, the rule's action fires. A firing DENY rule
// stops the cascade immediately and decides the result; a firing WARN rule
// is recorded (as a "DENY" trace entry, since its guard failed) but the
// cascade continues. An empty Rules list falls back to the legacy
// single-flag policy shape.
func Resolve(c Cascade, inputs map[string]any, bodySize int) Result {
	if len(c.Rules) == 0 {
		allow := c.Legacy == nil || *c.Legacy
		if allow {
			return Result{
				Decision: DecisionAllow,
				Trace:    []TraceEntry{{Level: "global", Rule: "UBL_LEGACY_ALLOW", Result: "PASS"}},
			}
		}
		return Result{
			Decision:  DecisionDeny,
			DecidedBy: "UBL_LEGACY_DENY",
			Reason:    "policy deny",
			Trace:     []TraceEntry{{Level: "global", Rule: "UBL_LEGACY_DENY", Result: "DENY", Reason: "policy deny"}},
		}
	}

	trace := make([]TraceEntry, 0, len(c.Rules))
	for _, rule := range c.Rules {
		if evaluateCondition(rule.Condition, inputs, bodySize) {
			trace = append(trace, TraceEntry{Level: rule.Level, Rule: rule.ID, Result: "PASS"})
			continue
		}

		reason := rule.Reason
		if reason == "" {
			reason = fmt.Sprintf("rule %s failed: %s", rule.ID, rule.Condition)
		}
		trace = append(trace, TraceEntry{Level: rule.Level, Rule: rule.ID, Result: "DENY", Reason: reason})

		if rule.Action == ActionDeny {
			return Result{Decision: DecisionDeny, DecidedBy: rule.ID, Reason: reason, Trace: trace}
		}
		// WARN: the guard failed and is recorded, but evaluation continues.
	}
	return Result{Decision: DecisionAllow, Trace: trace}
}

// evaluateCondition implements the condition grammar:
//
//	""  or "true"                    -> always holds
//	"body_size <= N"                 -> bodySize <= N
//	"inputs.<key>"                   -> holds if inputs[key] is present and non-nil
//	"inputs.<key> != null"           -> same as above
//	"inputs.<key> == \"literal\""    -> holds if inputs[key] == literal (string equality)
//
// Any condition outside this grammar fails open: it is treated as holding,
// so an unrecognized guard never causes its rule to fire.
func evaluateCondition(cond string, inputs map[string]any, bodySize int) bool {
	cond = strings.TrimSpace(cond)
	if cond == "" || cond == "true" {
		return true
	}

	if rest, ok := strings.CutPrefix(cond, "body_size <= "); ok {
		n, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return true
		}
		return bodySize <= n
	}

	if rest, ok := strings.CutPrefix(cond, "inputs."); ok {
		switch {
		case strings.Contains(rest, "!= null"):
			key := strings.TrimSpace(strings.SplitN(rest, "!=", 2)[0])
			v, present := inputs[key]
			return present && v != nil
		case strings.Contains(rest, "=="):
			parts := strings.SplitN(rest, "==", 2)
			key := strings.TrimSpace(parts[0])
			lit := strings.TrimSpace(parts[1])
			lit = strings.Trim(lit, `"`)
			v, present := inputs[key]
			if !present || v == nil {
				return false
			}
			return fmt.Sprintf("%v", v) == lit
		default:
			key := strings.TrimSpace(rest)
			v, present := inputs[key]
			return present && v != nil
		}
	}

	return true
}
