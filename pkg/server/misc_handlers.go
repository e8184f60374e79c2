// Copyright 2025 Certen Protocol

package server

import "net/http"

type didDocument struct {
	Context            []string           `json:"@context"`
	ID                 string             `json:"id"`
	VerificationMethod []verificationKey  `json:"verificationMethod"`
	Authentication     []string           `json:"authentication"`
}

type verificationKey struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Controller string `json:"controller"`
}

// handleDID publishes the gateway's active signing kid as a minimal DID
// document, so a relying party can discover which key is currently signing
// receipts without a prior out-of-band exchange.
func (s *Server) handleDID(w http.ResponseWriter, r *http.Request) {
	did := "did:web:" + s.Cfg.ServiceName
	kid := s.Keys.Global.ActiveKid
	vmID := did + "#" + kid

	doc := didDocument{
		Context:        []string{"https://www.w3.org/ns/did/v1"},
		ID:             did,
		Authentication: []string{vmID},
		VerificationMethod: []verificationKey{
			{ID: vmID, Type: "Ed25519VerificationKey2020", Controller: did},
		},
	}
	writeJSON(w, http.StatusOK, doc)
}

type healthResponse struct {
	Status string `json:"status"`
}

// handleHealthz is an unauthenticated liveness probe; it does not touch
// storage, so it stays cheap and independent of backend health.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
