// Copyright 2025 Certen Protocol
//
// Engine package implements the three-stage pipeline: parse (bind +
// mappings), policy (cascade gate), render (bind + mappings), then
// canonicalize and CID the final output.

package pipeline

import (
	"fmt"
	"strings"

	"github.com/ubl-network/ubl-gate/pkg/bind"
	"github.com/ubl-network/ubl-gate/pkg/cid"
	"github.com/ubl-network/ubl-gate/pkg/policy"
)

// Artifacts captures every intermediate value produced along the way, kept
// for observability even though only Output/OutputCID are load-bearing.
type Artifacts struct {
	ParseOutput  map[string]any `json:"parse_output"`
	RenderOutput map[string]any `json:"render_output"`
}

// Result is the outcome of running a manifest against a set of inputs.
type Result struct {
	Decision  policy.Decision     `json:"decision"`
	DecidedBy string              `json:"decided_by,omitempty"`
	Reason    string              `json:"reason,omitempty"`
	Trace     []policy.TraceEntry `json:"policy_trace"`

	// DimensionStack names the stages that actually ran: the full
	// ["parse","policy","render"] on success, or empty when the engine
	// itself failed (as opposed to the policy simply denying).
	DimensionStack []string `json:"dimension_stack"`

	Artifacts Artifacts `json:"artifacts"`
	Output    map[string]any `json:"output,omitempty"`
	OutputCID string         `json:"output_cid,omitempty"`
}

// Execute runs manifest against inputs. A policy DENY is a normal, non-error
// outcome (Result.Decision == policy.DecisionDeny); only a structural
// failure — an unresolvable binding or an unknown codec — returns a non-nil
// error, and in that case DimensionStack is left empty.
func Execute(m *Manifest, inputs map[string]any) (Result, error) {
	parseVars, err := bind.Vars(m.ParseGrammar.Inputs, inputs)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: parse stage: %w", err)
	}
	parseOut, err := applyMappings(parseVars, m.ParseMappings)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: parse mappings: %w", err)
	}

	bodySize := 0
	if _, canonical, err := cid.OfValue(inputs); err == nil {
		bodySize = len(canonical)
	}
	pr := policy.Resolve(m.Policy, parseOut, bodySize)
	if pr.Decision == policy.DecisionDeny {
		return Result{
			Decision:       pr.Decision,
			DecidedBy:      pr.DecidedBy,
			Reason:         pr.Reason,
			Trace:          pr.Trace,
			DimensionStack: []string{"parse", "policy"},
			Artifacts:      Artifacts{ParseOutput: parseOut},
		}, nil
	}

	renderInputs := map[string]any{"__prev_output__": parseOut}
	renderVars, err := bind.Vars(m.RenderGrammar.Inputs, renderInputs)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: render stage: %w", err)
	}
	renderOut, err := applyMappings(renderVars, m.RenderMappings)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: render mappings: %w", err)
	}

	outCID, _, err := cid.OfValue(renderOut)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: cid final output: %w", err)
	}

	return Result{
		Decision:       pr.Decision,
		Trace:          pr.Trace,
		DimensionStack: []string{"parse", "policy", "render"},
		Artifacts:      Artifacts{ParseOutput: parseOut, RenderOutput: renderOut},
		Output:         renderOut,
		OutputCID:      outCID,
	}, nil
}

// applyMappings resolves each mapping's From path against bound and writes
// the (optionally codec-transformed) value under To in the output map.
func applyMappings(bound map[string]any, mappings []Mapping) (map[string]any, error) {
	out := make(map[string]any, len(mappings))
	for _, m := range mappings {
		v, ok := lookupPath(bound, m.From)
		if !ok {
			return nil, &bind.ValidationError{Msg: fmt.Sprintf("mapping %q: no value bound", m.From)}
		}
		if m.Codec != "" {
			var err error
			v, err = bind.ApplyCodec(m.Codec, v)
			if err != nil {
				return nil, err
			}
		}
		out[m.To] = v
	}
	return out, nil
}

// lookupPath resolves a dot-separated path against nested maps, e.g.
// "__prev_output__.decision".
func lookupPath(root map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = root
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
