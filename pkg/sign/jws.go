// Copyright 2025 Certen Protocol
//
// Detached-signature package implements RFC 7797 (b64:false) JWS over
// Ed25519, the way receipts are sealed against tampering.

package sign

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Detached is a JWS in RFC 7797 detached-payload form: the signature covers
// protected_header_b64url || '.' || body, but body itself is never embedded.
type Detached struct {
	Protected string `json:"protected"`
	Signature string `json:"signature"`
	Kid       string `json:"kid"`
}

type protectedHeader struct {
	Alg string   `json:"alg"`
	B64 bool     `json:"b64"`
	Crit []string `json:"crit"`
	Kid string   `json:"kid"`
	Typ string   `json:"typ"`
}

// SignDetached signs canonical body bytes with the given Ed25519 private
// key and kid, producing a deterministic (Ed25519 is deterministic)
// detached signature.
func SignDetached(priv ed25519.PrivateKey, kid string, body []byte) (Detached, error) {
	hdr := protectedHeader{
		Alg:  "EdDSA",
		B64:  false,
		Crit: []string{"b64"},
		Kid:  kid,
		Typ:  "ubl/rc+json",
	}
	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return Detached{}, fmt.Errorf("sign: marshal header: %w", err)
	}
	protected := base64.RawURLEncoding.EncodeToString(hdrBytes)

	signingInput := append([]byte(protected+"."), body...)
	sig := ed25519.Sign(priv, signingInput)

	return Detached{
		Protected: protected,
		Signature: base64.RawURLEncoding.EncodeToString(sig),
		Kid:       kid,
	}, nil
}

// VerifyDetached verifies a detached signature against canonical body bytes
// and a public key. Returns an error describing exactly what failed.
func VerifyDetached(pub ed25519.PublicKey, body []byte, d Detached) error {
	hdrBytes, err := base64.RawURLEncoding.DecodeString(d.Protected)
	if err != nil {
		return fmt.Errorf("verify: decode protected header: %w", err)
	}
	var hdr protectedHeader
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return fmt.Errorf("verify: parse protected header: %w", err)
	}
	if hdr.B64 {
		return fmt.Errorf("verify: expected detached payload (b64:false), got b64:true")
	}
	if hdr.Alg != "EdDSA" {
		return fmt.Errorf("verify: unsupported alg %q", hdr.Alg)
	}
	if hdr.Kid != d.Kid {
		return fmt.Errorf("verify: kid mismatch between header (%q) and envelope (%q)", hdr.Kid, d.Kid)
	}

	sig, err := base64.RawURLEncoding.DecodeString(d.Signature)
	if err != nil {
		return fmt.Errorf("verify: decode signature: %w", err)
	}

	signingInput := append([]byte(d.Protected+"."), body...)
	if !ed25519.Verify(pub, signingInput, sig) {
		return fmt.Errorf("verify: signature does not match")
	}
	return nil
}
