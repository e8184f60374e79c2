// Copyright 2025 Certen Protocol

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ubl-network/ubl-gate/pkg/cid"
	"github.com/ubl-network/ubl-gate/pkg/gateway"
	"github.com/ubl-network/ubl-gate/pkg/receipt"
)

// handleGetByCID serves a stored blob back by its content identifier. The
// request path carries the cid directly, optionally suffixed with ".json"
// to have the same stored bytes served as application/json instead of
// application/octet-stream.
func (s *Server) handleGetByCID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("cid")
	wantJSON := strings.HasSuffix(id, ".json")
	id = strings.TrimSuffix(id, ".json")

	if !cid.Valid(id) {
		writeErr(w, r, gateway.BadRequest("malformed cid"))
		return
	}

	raw, ok, err := s.Blobs.Get(id)
	if err != nil {
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	}
	if !ok {
		writeErr(w, r, gateway.NotFound("no blob stored for that cid"))
		return
	}

	if wantJSON {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

type ingestResponse struct {
	CID string `json:"cid"`
}

// handleIngest stores the raw request body under its content identifier
// without interpreting it — the deterministic pipeline and policy cascade
// only run on /v1/execute; /v1/certify seals a fixed ALLOW outcome. Ingest is
// the write side of /cid/{cid}: store now, certify later against the same cid.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, aerr := readBody(r)
	if aerr != nil {
		writeErr(w, r, aerr)
		return
	}
	if len(raw) == 0 {
		writeErr(w, r, gateway.BadRequest("request body must not be empty"))
		return
	}

	c, err := s.Blobs.Put(raw)
	if err != nil {
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{CID: c})
}

type certifyRequest struct {
	CID string `json:"cid"`
}

// handleCertify seals a WA/Transition/WF receipt chain around a blob that
// was already ingested (or produced by a prior execute), attesting that the
// gateway has observed it at this point in the tenant's chain. Certify never
// evaluates a policy cascade (and ingest runs none either): it seals a fixed
// ALLOW outcome with the blob's cid as outputs_cid, anchoring it into the
// audit chain.
func (s *Server) handleCertify(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)

	raw, aerr := readBody(r)
	if aerr != nil {
		writeErr(w, r, aerr)
		return
	}
	var req certifyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeErr(w, r, gateway.BadRequest("request body must be a JSON object with a cid field"))
		return
	}
	if !cid.Valid(req.CID) {
		writeErr(w, r, gateway.BadRequest("cid is not a well-formed content identifier"))
		return
	}
	if _, ok, err := s.Blobs.Get(req.CID); err != nil {
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	} else if !ok {
		writeErr(w, r, gateway.NotFound("no blob stored for that cid; ingest it first"))
		return
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
			Op:       "certify@ubl/v1",
			Pipeline: "certify",
		}
		runResult, err := receipt.Run(kr, opts, map[string]any{"certify_cid": req.CID}, func() (receipt.EngineResult, error) {
			return receipt.EngineResult{
				Decision:       "ALLOW",
				OutputsCID:     req.CID,
				DimensionStack: []string{"certify"},
			}, nil
		})
		if err != nil {
			return err
		}
		if err := s.commitChain(scope, runResult, prevTip); err != nil {
			return err
		}
		if s.Metrics != nil {
			s.Metrics.ExecutionsByDecision.WithLabelValues("ALLOW").Inc()
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

type receiptsListResponse struct {
	Tenant   string            `json:"tenant"`
	Tip      string            `json:"tip,omitempty"`
	Receipts []receipt.Receipt `json:"receipts"`
}

// handleListReceipts returns the tenant's receipt chain in full, newest
// first, optionally bounded by a ?limit= query parameter. Unlike /v1/audit
// (which returns the lightweight stage/body_cid/parents trail), this
// fetches and returns every full receipt body.
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, r, gateway.BadRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	trail, tip, ok, err := s.loadTrail(scope)
	if err != nil {
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, receiptsListResponse{Tenant: scope.Tenant, Receipts: []receipt.Receipt{}})
		return
	}

	receipts := make([]receipt.Receipt, 0, len(trail))
	for i := len(trail) - 1; i >= 0; i-- { // newest first
		raw, ok, err := s.Blobs.GetKeyed(receiptKey(scope, trail[i].BodyCID))
		if err != nil {
			writeErr(w, r, gateway.Internal(err.Error()))
			return
		}
		if !ok {
			continue
		}
		var rec receipt.Receipt
		if err := json.Unmarshal(raw, &rec); err != nil {
			writeErr(w, r, gateway.Internal("stored blob is not a valid receipt"))
			return
		}
		receipts = append(receipts, rec)
		if limit > 0 && len(receipts) >= limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, receiptsListResponse{Tenant: scope.Tenant, Tip: tip, Receipts: receipts})
}
