// Copyright 2025 Certen Protocol

package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ubl-network/ubl-gate/pkg/chainproof"
	"github.com/ubl-network/ubl-gate/pkg/cid"
	"github.com/ubl-network/ubl-gate/pkg/gateway"
	"github.com/ubl-network/ubl-gate/pkg/receipt"
)

// handleGetReceipt returns a stored receipt by its body_cid, regardless of
// which stage (wa/transition/wf) it belongs to.
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	s.getReceiptByKind(w, r, "")
}

// handleGetTransition returns a stored receipt by CID, restricted to the
// transition stage, so a caller can't be handed a wa/wf receipt by mistake.
func (s *Server) handleGetTransition(w http.ResponseWriter, r *http.Request) {
	s.getReceiptByKind(w, r, receipt.StageTransition)
}

func (s *Server) getReceiptByKind(w http.ResponseWriter, r *http.Request, want receipt.Stage) {
	scope := scopeFrom(r)
	id := r.PathValue("cid")
	if !cid.Valid(id) {
		writeErr(w, r, gateway.BadRequest("malformed cid"))
		return
	}

	raw, ok, err := s.Blobs.GetKeyed(receiptKey(scope, id))
	if err != nil {
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	}
	if !ok {
		writeErr(w, r, gateway.NotFound("no receipt stored for that cid"))
		return
	}

	var rec receipt.Receipt
	if err := json.Unmarshal(raw, &rec); err != nil {
		writeErr(w, r, gateway.Internal("stored blob is not a valid receipt"))
		return
	}

	if want != "" && rec.T != want {
		writeErr(w, r, gateway.NotFound("cid does not name a receipt of the requested stage"))
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

type tipResponse struct {
	Tenant string `json:"tenant"`
	Tip    string `json:"tip,omitempty"`
	Empty  bool   `json:"empty"`
}

// handleGetTip returns the tenant's current chain tip (the latest
// write-final receipt's body_cid), or empty=true if the tenant has no
// chain yet.
func (s *Server) handleGetTip(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)
	tip, ok, err := s.Tips.Get(scope.Tenant)
	if err != nil {
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, tipResponse{Tenant: scope.Tenant, Tip: tip, Empty: !ok})
}

type auditEntry struct {
	Stage   receipt.Stage `json:"stage"`
	BodyCID string        `json:"body_cid"`
	Parents []string      `json:"parents"`
}

type auditResponse struct {
	Tenant  string       `json:"tenant"`
	Tip     string       `json:"tip,omitempty"`
	Entries []auditEntry `json:"entries"`
}

// handleAudit walks the tenant's chain backward from its current tip,
// following each receipt's last parent, and returns the resulting trail in
// chronological order (oldest first). This lets an auditor replay the full
// WA -> Transition -> WF history for a tenant.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)

	trail, tip, ok, err := s.loadTrail(scope)
	if err != nil {
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, auditResponse{Tenant: scope.Tenant, Entries: []auditEntry{}})
		return
	}

	writeJSON(w, http.StatusOK, auditResponse{Tenant: scope.Tenant, Tip: tip, Entries: trail})
}

// loadTrail walks the scope's chain backward from its tip, following each
// receipt's last parent (WF -> Transition -> WA -> previous WF), and returns
// the trail oldest-first.
func (s *Server) loadTrail(scope gateway.Scope) ([]auditEntry, string, bool, error) {
	tip, ok, err := s.Tips.Get(scope.Tenant)
	if err != nil || !ok {
		return nil, "", ok, err
	}

	const maxDepth = 10000 // bound the walk against a corrupted or cyclic parent chain
	var trail []auditEntry
	cursor := tip
	for i := 0; cursor != "" && i < maxDepth; i++ {
		raw, ok, err := s.Blobs.GetKeyed(receiptKey(scope, cursor))
		if err != nil {
			return nil, "", false, err
		}
		if !ok {
			break
		}
		var rec receipt.Receipt
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, "", false, fmt.Errorf("audit: stored blob %s is not a valid receipt: %w", cursor, err)
		}
		trail = append(trail, auditEntry{Stage: rec.T, BodyCID: rec.BodyCID, Parents: rec.Parents})
		if len(rec.Parents) == 0 {
			break
		}
		cursor = rec.Parents[len(rec.Parents)-1]
	}

	for l, rgt := 0, len(trail)-1; l < rgt; l, rgt = l+1, rgt-1 {
		trail[l], trail[rgt] = trail[rgt], trail[l]
	}
	return trail, tip, true, nil
}

type auditProofResponse struct {
	Tenant    string            `json:"tenant"`
	TrailRoot string            `json:"trail_root"`
	ChainLen  int               `json:"chain_len"`
	Proof     *chainproof.Proof `json:"proof"`
}

// handleAuditProof folds the tenant's receipt trail into its Merkle root
// and returns an inclusion proof for the requested body_cid, letting an
// auditor verify a single receipt's membership in the chain without
// re-fetching and re-walking the entire trail.
func (s *Server) handleAuditProof(w http.ResponseWriter, r *http.Request) {
	scope := scopeFrom(r)
	target := r.PathValue("cid")
	if !cid.Valid(target) {
		writeErr(w, r, gateway.BadRequest("malformed cid"))
		return
	}

	trail, _, ok, err := s.loadTrail(scope)
	if err != nil {
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	}
	if !ok || len(trail) == 0 {
		writeErr(w, r, gateway.NotFound("tenant has no chain"))
		return
	}

	bodyCIDs := make([]string, len(trail))
	for i, e := range trail {
		bodyCIDs[i] = e.BodyCID
	}
	proof, err := chainproof.Prove(bodyCIDs, target)
	if err != nil {
		if err == chainproof.ErrNotInChain {
			writeErr(w, r, gateway.NotFound("cid is not in the tenant's current chain"))
			return
		}
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, auditProofResponse{
		Tenant:    scope.Tenant,
		TrailRoot: proof.Root,
		ChainLen:  proof.ChainLen,
		Proof:     proof,
	})
}
