// Copyright 2025 Certen Protocol

package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ubl-network/ubl-gate/pkg/cid"
	"github.com/ubl-network/ubl-gate/pkg/gateway"
	"github.com/ubl-network/ubl-gate/pkg/pipeline"
	"github.com/ubl-network/ubl-gate/pkg/policy"
	"github.com/ubl-network/ubl-gate/pkg/receipt"
	"github.com/ubl-network/ubl-gate/pkg/vm"
)

// executeRequest is the execute endpoint's envelope. A bare JSON object with
// no "vars" key is accepted too and treated as the vars themselves, so
// callers that don't need ghost/logline can post their inputs directly.
type executeRequest struct {
	Pipeline string           `json:"pipeline,omitempty"`
	Vars     map[string]any   `json:"vars,omitempty"`
	Ghost    bool             `json:"ghost,omitempty"`
	Logline  *receipt.Logline `json:"logline,omitempty"`
}

type executeReceipts struct {
	WA         receipt.Receipt `json:"wa"`
	Transition receipt.Receipt `json:"transition"`
	WF         receipt.Receipt `json:"wf"`
}

// executeResponse is the execute envelope: cid is the write-final receipt's
// body_cid, which on a non-ghost run is also the tenant's new tip.
type executeResponse struct {
	CID            string          `json:"cid"`
	TipCID         string          `json:"tip_cid"`
	Decision       string          `json:"decision"`
	DimensionStack []string        `json:"dimension_stack"`
	Ghost          bool            `json:"ghost"`
	Receipts       executeReceipts `json:"receipts"`
	URL            string          `json:"url"`
}

// readBody drains the request body, mapping the MaxBytesReader cutoff to a
// 413 instead of a generic read failure.
func readBody(r *http.Request) ([]byte, *gateway.AppError) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, gateway.PayloadTooLarge("request body exceeds the configured size limit")
		}
		return nil, gateway.BadRequest("failed to read request body")
	}
	return raw, nil
}

func loglineFrom(m map[string]any) *receipt.Logline {
	str := func(k string) string { s, _ := m[k].(string); return s }
	return &receipt.Logline{
		Who:       str("who"),
		ActorDID:  str("actor_did"),
		What:      str("what"),
		Where:     str("where"),
		WhenISO:   str("when_iso"),
		Why:       str("why"),
		ContextID: str("context_id"),
		Version:   str("version"),
	}
}

func receiptURL(scope gateway.Scope, bodyCID string) string {
	return fmt.Sprintf("/a/%s/t/%s/v1/receipt/%s", scope.App, scope.Tenant, bodyCID)
}

func envelopeFrom(scope gateway.Scope, rr receipt.RunResult) executeResponse {
	decision, _ := rr.WF.Body["decision"].(string)
	var stack []string
	if raw, ok := rr.WF.Body["dimension_stack"].([]string); ok {
		stack = raw
	}
	return executeResponse{
		CID:            rr.WF.BodyCID,
		TipCID:         rr.Tip,
		Decision:       decision,
		DimensionStack: stack,
		Ghost:          rr.Ghost,
		Receipts:       executeReceipts{WA: rr.WA, Transition: rr.Transition, WF: rr.WF},
		URL:            receiptURL(scope, rr.WF.BodyCID),
	}
}

// handleExecute runs a manifest-driven pipeline (parse -> policy -> render)
// against the request body and seals the result into a WA/Transition/WF
// receipt chain anchored at the tenant's tip. A policy DENY or an engine
// fault is still HTTP 200 carrying a DENY write-final receipt; only
// idempotency conflicts, gateway preconditions, and infrastructure faults
// map to error statuses.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)

	rawBody, aerr := readBody(r)
	if aerr != nil {
		writeErr(w, r, aerr)
		return
	}

	if aerr := s.checkHeaderIdempotency(r, scope, rawBody); aerr != nil {
		writeErr(w, r, aerr)
		return
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(rawBody))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		writeErr(w, r, gateway.BadRequest("request body must be a JSON object"))
		return
	}
	req := executeRequest{Vars: raw}
	if inner, ok := raw["vars"].(map[string]any); ok {
		// Envelope form: {"pipeline": ..., "vars": {...}, "ghost": ..., "logline": {...}}.
		req.Vars = inner
		req.Pipeline, _ = raw["pipeline"].(string)
		req.Ghost, _ = raw["ghost"].(bool)
		if ll, ok := raw["logline"].(map[string]any); ok {
			req.Logline = loglineFrom(ll)
		}
	}

	manifest := s.manifestFor(scope.App)
	pipelineName := req.Pipeline
	if pipelineName == "" {
		pipelineName = manifest.Name
	}

	kr := s.Keys.Resolve(scope.App, scope.Tenant)
	if aerr := gateway.EnforceKidScope(clientFrom(r), kr.ActiveKid); aerr != nil {
		writeErr(w, r, aerr)
		return
	}

	var result executeResponse
	execErr := s.Locks.WithTenant(scope.Tenant, func() error {
		prevTip, _, err := s.Tips.Get(scope.Tenant)
		if err != nil {
			return err
		}

		opts := receipt.Options{
			PrevTip:  prevTip,
			Op:       "pipeline.execute@ubl/v1",
			Pipeline: pipelineName,
			Ghost:    req.Ghost,
			Logline:  req.Logline,
			Seen: func(key string) bool {
				seen, err := s.Tips.WasSeen(scope.String(), key)
				return err == nil && seen
			},
		}

		// engineResult is only populated when pipeline.Execute succeeds; on a
		// structural fault (unresolvable binding, unknown codec) runFn
		// returns an error, which receipt.Run seals into a DENY WF receipt
		// instead of aborting — so the decision/reason in the envelope are
		// always read back from the signed WF body, not from engineResult.
		var engineResult pipeline.Result
		runResult, err := receipt.Run(kr, opts, req.Vars, func() (receipt.EngineResult, error) {
			res, err := pipeline.Execute(manifest, req.Vars)
			if err != nil {
				return receipt.EngineResult{}, err
			}
			engineResult = res
			er := receipt.EngineResult{
				Decision:       string(res.Decision),
				OutputsCID:     res.OutputCID,
				DimensionStack: res.DimensionStack,
				PolicyTrace:    res.Trace,
			}
			if res.Decision == policy.DecisionDeny {
				er.Reason = res.Reason
			}
			return er, nil
		})
		if err != nil {
			return err
		}

		if !runResult.Ghost {
			if engineResult.Output != nil {
				if _, canonicalOut, err := cid.OfValue(engineResult.Output); err == nil {
					if _, err := s.Blobs.Put(canonicalOut); err != nil {
						return err
					}
				}
			}
			if err := s.commitChain(scope, runResult, prevTip); err != nil {
				return err
			}
		}

		if s.Metrics != nil {
			decision, _ := runResult.WF.Body["decision"].(string)
			s.Metrics.ExecutionsByDecision.WithLabelValues(decision).Inc()
		}
		result = envelopeFrom(scope, runResult)
		return nil
	})

	if execErr != nil {
		writeRunError(w, r, execErr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// executeRBRequest is the stack-VM execute request body: base64 bytecode
// plus the indexed operands PushInput reads from.
type executeRBRequest struct {
	Bytecode  string   `json:"bytecode"`
	Inputs    []string `json:"inputs,omitempty"`     // each element base64-decoded into one operand
	FuelLimit uint64   `json:"fuel_limit,omitempty"` // 0 means use the server default
	Ghost     bool     `json:"ghost,omitempty"`
}

// handleExecuteRB runs base64-encoded bytecode through the fuel-metered
// stack VM, performing the -1:rb -> 0:rho normalization directly instead of
// the manifest-driven pipeline, and seals the result into the same
// WA/Transition/WF receipt chain as handleExecute. The VM's fuel and
// bytecode identity are recorded as a witness on the Transition receipt.
func (s *Server) handleExecuteRB(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)

	rawBody, aerr := readBody(r)
	if aerr != nil {
		writeErr(w, r, aerr)
		return
	}

	if aerr := s.checkHeaderIdempotency(r, scope, rawBody); aerr != nil {
		writeErr(w, r, aerr)
		return
	}

	var req executeRBRequest
	dec := json.NewDecoder(bytes.NewReader(rawBody))
	if err := dec.Decode(&req); err != nil {
		writeErr(w, r, gateway.BadRequest("request body must be a JSON object with a base64 bytecode field"))
		return
	}
	bytecode, err := base64.StdEncoding.DecodeString(req.Bytecode)
	if err != nil {
		writeErr(w, r, gateway.BadRequest("bytecode must be valid base64"))
		return
	}
	inputs := make([][]byte, len(req.Inputs))
	for i, enc := range req.Inputs {
		b, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			writeErr(w, r, gateway.BadRequest("inputs must each be valid base64"))
			return
		}
		inputs[i] = b
	}
	fuelLimit := req.FuelLimit
	if fuelLimit == 0 {
		fuelLimit = s.Cfg.DefaultFuelLimit
	}

	kr := s.Keys.Resolve(scope.App, scope.Tenant)
	if aerr := gateway.EnforceKidScope(clientFrom(r), kr.ActiveKid); aerr != nil {
		writeErr(w, r, aerr)
		return
	}

	bytecodeCID := cid.Of(bytecode)
	vars := map[string]any{
		"bytecode_cid": bytecodeCID,
		"fuel_limit":   fuelLimit,
		"input_count":  len(inputs),
	}

	var result executeResponse
	execErr := s.Locks.WithTenant(scope.Tenant, func() error {
		prevTip, _, err := s.Tips.Get(scope.Tenant)
		if err != nil {
			return err
		}

		witness := map[string]any{
			"vm":           "ubl-stack-vm/1",
			"bytecode_cid": bytecodeCID,
		}
		opts := receipt.Options{
			PrevTip:  prevTip,
			Op:       "rb.execute@ubl/v1",
			Pipeline: "rb",
			Witness:  witness,
			Ghost:    req.Ghost,
			Seen: func(key string) bool {
				seen, err := s.Tips.WasSeen(scope.String(), key)
				return err == nil && seen
			},
		}

		// On a VM fault (fuel exhaustion, stack underflow, a type error)
		// runFn returns an error, which receipt.Run seals into a DENY WF
		// receipt instead of aborting — so decision/outputs below are always
		// read back from the signed WF body.
		runResult, err := receipt.Run(kr, opts, vars, func() (receipt.EngineResult, error) {
			machine := vm.New(vm.Config{FuelLimit: fuelLimit, Inputs: inputs}, s.Blobs, kr)
			outcome, err := machine.Run(bytecode)
			if err != nil {
				return receipt.EngineResult{}, err
			}
			witness["fuel_spent"] = outcome.FuelSpent
			if s.Metrics != nil {
				s.Metrics.FuelSpent.Observe(float64(outcome.FuelSpent))
			}
			if outcome.Status == "emitted" {
				return receipt.EngineResult{
					Decision:       "ALLOW",
					OutputsCID:     outcome.RcCID,
					DimensionStack: []string{"vm"},
				}, nil
			}
			return receipt.EngineResult{
				Decision:       "DENY",
				DimensionStack: []string{"vm"},
				Reason:         outcome.Reason,
			}, nil
		})
		if err != nil {
			return err
		}

		if !runResult.Ghost {
			if err := s.commitChain(scope, runResult, prevTip); err != nil {
				return err
			}
		}

		if s.Metrics != nil {
			decision, _ := runResult.WF.Body["decision"].(string)
			s.Metrics.ExecutionsByDecision.WithLabelValues(decision).Inc()
		}
		result = envelopeFrom(scope, runResult)
		return nil
	})

	if execErr != nil {
		writeRunError(w, r, execErr)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// checkHeaderIdempotency applies the Idempotency-Key precondition: a replay
// of the same key with the same body, or a reuse with a different body, are
// both conflicts — the chain already holds the first execution's receipts.
func (s *Server) checkHeaderIdempotency(r *http.Request, scope gateway.Scope, rawBody []byte) *gateway.AppError {
	idempKey := r.Header.Get("Idempotency-Key")
	if idempKey == "" {
		return nil
	}
	key := gateway.Key(scope, r.Method, r.URL.Path, idempKey)
	verdict := s.Idemp.Check(key, rawBody, time.Now())
	switch verdict {
	case gateway.KeyReusedDifferentPayload:
		if s.Metrics != nil {
			s.Metrics.IdempotencyHits.WithLabelValues("key_reused_different_payload").Inc()
		}
		return gateway.Conflict("idempotency key reused with a different payload")
	case gateway.Replay:
		if s.Metrics != nil {
			s.Metrics.IdempotencyHits.WithLabelValues("replay").Inc()
		}
		return gateway.Conflict("duplicate request (replay): this idempotency key was already executed")
	default:
		if s.Metrics != nil {
			s.Metrics.IdempotencyHits.WithLabelValues("new").Inc()
		}
		return nil
	}
}

func (s *Server) manifestFor(app string) *pipeline.Manifest {
	if m, ok := s.Manifests[app]; ok {
		return m
	}
	return s.Manifests[""]
}

func receiptKey(scope gateway.Scope, bodyCID string) string {
	return scope.App + ":" + scope.Tenant + ":" + bodyCID
}

// commitChain persists all three receipts under the scope, appends the run's
// idempotency key to the tenant's seen set, and advances the tip. Called
// only for non-ghost runs, under the tenant's lock.
func (s *Server) commitChain(scope gateway.Scope, rr receipt.RunResult, prevTip string) error {
	for _, rec := range []receipt.Receipt{rr.WA, rr.Transition, rr.WF} {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := s.Blobs.SetKeyed(receiptKey(scope, rec.BodyCID), b); err != nil {
			return err
		}
	}
	if err := s.Tips.MarkSeen(scope.String(), rr.IdempotencyKey); err != nil {
		return err
	}
	swapped, err := s.Tips.CompareAndSwap(scope.Tenant, prevTip, rr.Tip)
	if err != nil {
		return err
	}
	if !swapped {
		return errTipConflict
	}
	return nil
}

// writeRunError maps a chained-run failure to its HTTP shape: replayed
// idempotency keys and concurrent tip movement are conflicts, anything else
// is an infrastructure fault.
func writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	var dup *receipt.DuplicateError
	switch {
	case errors.As(err, &dup):
		writeErr(w, r, gateway.Conflict(dup.Error()))
	case errors.Is(err, errTipConflict):
		writeErr(w, r, gateway.Conflict("tenant tip changed concurrently, retry"))
	default:
		writeErr(w, r, gateway.Internal(err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr stamps aerr with the request's ID (if any) before writing it.
func writeErr(w http.ResponseWriter, r *http.Request, aerr *gateway.AppError) {
	aerr.Body.RequestID = requestIDFrom(r)
	aerr.WriteTo(w)
}

var errTipConflict = gwErr("tip changed concurrently")

type gwErr string

func (e gwErr) Error() string { return string(e) }
