// Copyright 2025 Certen Protocol

package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ubl-network/ubl-gate/pkg/cid"
	"github.com/ubl-network/ubl-gate/pkg/gateway"
)

type resolveRequest struct {
	ID string `json:"id"`
}

type resolveResponse struct {
	Kind     string       `json:"kind"` // "did" or "cid"
	DID      *didDocument `json:"did,omitempty"`
	CID      string       `json:"cid,omitempty"`
	Blob     string       `json:"blob,omitempty"` // base64 of the stored bytes, only for small blobs
	BlobSize int          `json:"blob_size,omitempty"`
}

// handleResolve dispatches a single identifier, DID or CID, to whichever
// resolution path applies: a "did:..." identifier returns the gateway's DID
// document (the same shape /.well-known/did.json serves); a "b3:..."
// identifier resolves against the blob store, the same data /cid/{cid}
// serves, wrapped so a caller doesn't need to know up front which kind of
// identifier it holds.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	raw, aerr := readBody(r)
	if aerr != nil {
		writeErr(w, r, aerr)
		return
	}
	var req resolveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeErr(w, r, gateway.BadRequest("request body must be a JSON object with an id field"))
		return
	}

	switch {
	case strings.HasPrefix(req.ID, "did:"):
		s.resolveDID(w, r, req.ID)
	case cid.Valid(req.ID):
		s.resolveCID(w, r, req.ID)
	default:
		writeErr(w, r, gateway.BadRequest("id is neither a did: identifier nor a well-formed cid"))
	}
}

func (s *Server) resolveDID(w http.ResponseWriter, r *http.Request, id string) {
	want := "did:web:" + s.Cfg.ServiceName
	if id != want {
		writeErr(w, r, gateway.NotFound("unknown did"))
		return
	}
	kid := s.Keys.Global.ActiveKid
	vmID := want + "#" + kid
	doc := &didDocument{
		Context:        []string{"https://www.w3.org/ns/did/v1"},
		ID:             want,
		Authentication: []string{vmID},
		VerificationMethod: []verificationKey{
			{ID: vmID, Type: "Ed25519VerificationKey2020", Controller: want},
		},
	}
	writeJSON(w, http.StatusOK, resolveResponse{Kind: "did", DID: doc})
}

// maxInlineBlob bounds how large a resolved blob may be before resolve
// omits its bytes and reports only its size, pointing the caller at
// /cid/{cid} for the full content instead.
const maxInlineBlob = 64 * 1024

func (s *Server) resolveCID(w http.ResponseWriter, r *http.Request, id string) {
	blob, ok, err := s.Blobs.Get(id)
	if err != nil {
		writeErr(w, r, gateway.Internal(err.Error()))
		return
	}
	if !ok {
		writeErr(w, r, gateway.NotFound("no blob stored for that cid"))
		return
	}
	resp := resolveResponse{Kind: "cid", CID: id, BlobSize: len(blob)}
	if len(blob) <= maxInlineBlob {
		resp.Blob = base64.StdEncoding.EncodeToString(blob)
	}
	writeJSON(w, http.StatusOK, resp)
}
