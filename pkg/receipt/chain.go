// Copyright 2025 Certen Protocol

package receipt

import (
	"encoding/json"
	"fmt"

	"github.com/ubl-network/ubl-gate/pkg/cid"
	"github.com/ubl-network/ubl-gate/pkg/sign"
)

// Options carries the per-run knobs for a chained execution.
type Options struct {
	// PrevTip is the tenant's current tip; empty for the first run of a
	// tenant. It becomes the WA receipt's sole parent and is recorded in
	// the WA body.
	PrevTip string

	// Op and Pipeline name the intention recorded on the WA receipt. Op
	// defaults to "pipeline.execute@ubl/v1", Pipeline to "default".
	Op       string
	Pipeline string

	// Witness, when set, is attached to the Transition receipt body — used
	// by a stack-VM run to record which vm/bytecode/fuel performed the
	// -1:rb -> 0:rho normalization.
	Witness map[string]any

	// Ghost marks the run as non-persisting: the chain is built and signed
	// but the caller must not store it or advance the tip. Recorded on the
	// Transition body and in each receipt's observability.
	Ghost bool

	// Logline, when set, is narrated into each receipt's observability.
	Logline *Logline

	// Seen reports whether an idempotency key was already executed in this
	// scope. A hit fails the run with a DuplicateError before any engine
	// work happens.
	Seen func(key string) bool
}

// DuplicateError reports a replayed idempotency key: the same pipeline was
// already executed with byte-identical raw inputs in this scope.
type DuplicateError struct {
	Key string
}

func (e *DuplicateError) Error() string {
	return "receipt: duplicate request (replay): " + e.Key
}

// RunResult bundles the three receipts produced by one chained run plus the
// new tenant tip (the WF receipt's body_cid).
type RunResult struct {
	WA         Receipt
	Transition Receipt
	WF         Receipt
	Tip        string

	// Ghost echoes Options.Ghost so the caller knows to skip persistence.
	Ghost bool

	// IdempotencyKey is "<pipeline>:<inputs_raw_cid>"; on a non-ghost
	// success the gateway appends it to the tenant's seen set.
	IdempotencyKey string
}

// EngineResult is what runFn reports back to Run: the outcome to seal into
// the WF receipt body. OutputsCID is left empty on DENY.
type EngineResult struct {
	Decision       string // "ALLOW" or "DENY"
	OutputsCID     string
	DimensionStack []string
	Reason         string // set on DENY
	PolicyTrace    any    // policy.Result.Trace, or nil when not policy-driven (e.g. a VM deny)
}

// Run executes a chained WA -> Transition -> WF sequence around runFn.
//
// vars is the structured, pre-normalization request value. inputs_raw_cid
// hashes its raw JSON serialization (preserving whatever form the caller
// actually sent); rho_cid hashes its canonicalized form, identifying the
// "0:rho" normalized layer independent of what the engine does afterward.
//
// runFn performs the actual work (a pipeline.Execute or a VM run) and
// reports an EngineResult. If runFn itself fails (a structural fault such
// as an unresolvable binding, an unknown codec, or a VM error), Run treats
// that fault as a DENY: the Transition and WF receipts are still built, WF
// carries decision="DENY" with reason set to the error's message, and
// outputs_cid is left null. Only a replayed idempotency key or a failure to
// build or sign a receipt itself returns a non-nil error here.
func Run(kr *sign.KeyRing, opts Options, vars map[string]any, runFn func() (EngineResult, error)) (RunResult, error) {
	op := opts.Op
	if op == "" {
		op = "pipeline.execute@ubl/v1"
	}
	pipelineName := opts.Pipeline
	if pipelineName == "" {
		pipelineName = "default"
	}

	var parents []string
	if opts.PrevTip != "" {
		parents = []string{opts.PrevTip}
	}

	rawBytes, err := json.Marshal(vars)
	if err != nil {
		return RunResult{}, fmt.Errorf("receipt: serialize vars: %w", err)
	}
	inputsRawCID := cid.Of(rawBytes)

	idemKey := pipelineName + ":" + inputsRawCID
	if opts.Seen != nil && opts.Seen(idemKey) {
		return RunResult{}, &DuplicateError{Key: idemKey}
	}

	rhoCID, _, err := cid.OfValue(vars)
	if err != nil {
		return RunResult{}, fmt.Errorf("receipt: canonicalize vars: %w", err)
	}

	waBody := map[string]any{
		"inputs_raw_cid":  inputsRawCID,
		"intention":       map[string]any{"op": op, "pipeline": pipelineName},
		"idempotency_key": idemKey,
	}
	if opts.PrevTip != "" {
		waBody["prev_tip"] = opts.PrevTip
	}
	wa, err := Build(kr, StageWA, parents, waBody)
	if err != nil {
		return RunResult{}, fmt.Errorf("receipt: build wa: %w", err)
	}

	result, runErr := runFn()
	if runErr != nil {
		// A structural fault (bad binding, unknown codec, VM fault) is not
		// an infrastructure failure: it is sealed into a DENY WF receipt so
		// the chain still advances and the caller gets a signed, auditable
		// record of why the run failed, instead of a bare HTTP error.
		result = EngineResult{Decision: "DENY", Reason: runErr.Error()}
	}

	transitionBody := map[string]any{
		"from_layer":       "-1:rb",
		"to_layer":         "0:rho",
		"op":               "rho.normalize@ai-nrf1/v1",
		"preimage_raw_cid": inputsRawCID,
		"rho_cid":          rhoCID,
	}
	if opts.Witness != nil {
		transitionBody["witness"] = opts.Witness
	}
	if opts.Ghost {
		transitionBody["ghost"] = true
	}
	transition, err := Build(kr, StageTransition, []string{wa.BodyCID}, transitionBody)
	if err != nil {
		return RunResult{}, fmt.Errorf("receipt: build transition: %w", err)
	}

	wfBody := map[string]any{
		"rho_cid":  rhoCID,
		"decision": result.Decision,
	}
	if result.OutputsCID != "" {
		wfBody["outputs_cid"] = result.OutputsCID
	} else {
		wfBody["outputs_cid"] = nil
	}
	wfBody["dimension_stack"] = result.DimensionStack
	if result.Reason != "" {
		wfBody["reason"] = result.Reason
	}
	if result.PolicyTrace != nil {
		wfBody["policy_trace"] = result.PolicyTrace
	}
	wf, err := Build(kr, StageWF, []string{wa.BodyCID, transition.BodyCID}, wfBody)
	if err != nil {
		return RunResult{}, fmt.Errorf("receipt: build wf: %w", err)
	}

	// Observability rides outside every body, recorded only after each
	// body_cid was computed.
	if opts.Ghost || opts.Logline != nil {
		obs := &Observability{Ghost: opts.Ghost, Logline: opts.Logline}
		wa = WithObservability(wa, obs)
		transition = WithObservability(transition, obs)
		wf = WithObservability(wf, obs)
	}

	return RunResult{
		WA:             wa,
		Transition:     transition,
		WF:             wf,
		Tip:            wf.BodyCID,
		Ghost:          opts.Ghost,
		IdempotencyKey: idemKey,
	}, nil
}
