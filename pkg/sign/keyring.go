// Copyright 2025 Certen Protocol

package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// KeyRing holds the signing keys known for a scope: an active key used for
// new signatures, and every key (active or retired) whose signatures are
// still accepted on verification.
type KeyRing struct {
	ActiveKid string
	keys      map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

// NewKeyRing builds an empty keyring.
func NewKeyRing() *KeyRing {
	return &KeyRing{keys: map[string]ed25519.PrivateKey{}, pubKeys: map[string]ed25519.PublicKey{}}
}

// Dev returns a keyring seeded with one freshly generated key, suitable for
// local development and tests — never for production.
func Dev() *KeyRing {
	kr := NewKeyRing()
	_, _ = kr.Generate("dev#1")
	kr.ActiveKid = "dev#1"
	return kr
}

// Generate creates a new Ed25519 key under kid and adds it to the ring.
func (kr *KeyRing) Generate(kid string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}
	kr.keys[kid] = priv
	kr.pubKeys[kid] = pub
	return pub, nil
}

// LoadFromFile loads a hex-encoded Ed25519 private key from path under kid,
// mirroring the hex-file-on-disk convention used for validator keys
// elsewhere in this codebase.
func (kr *KeyRing) LoadFromFile(kid, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("keyring: read key file: %w", err)
	}
	seed, err := hex.DecodeString(string(data))
	if err != nil {
		return fmt.Errorf("keyring: decode key hex: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	kr.keys[kid] = priv
	kr.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
	return nil
}

// SaveToFile persists the seed of the key under kid to path, creating parent
// directories as needed, with owner-only permissions.
func (kr *KeyRing) SaveToFile(kid, path string) error {
	priv, ok := kr.keys[kid]
	if !ok {
		return fmt.Errorf("keyring: no such key %q", kid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("keyring: create key directory: %w", err)
	}
	seed := priv.Seed()
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0600); err != nil {
		return fmt.Errorf("keyring: write key file: %w", err)
	}
	return nil
}

// Sign signs body with the active key.
func (kr *KeyRing) Sign(body []byte) (Detached, error) {
	priv, ok := kr.keys[kr.ActiveKid]
	if !ok {
		return Detached{}, fmt.Errorf("keyring: no active key %q", kr.ActiveKid)
	}
	return SignDetached(priv, kr.ActiveKid, body)
}

// Verify verifies a detached signature against any key known to this ring.
func (kr *KeyRing) Verify(body []byte, d Detached) error {
	pub, ok := kr.pubKeys[d.Kid]
	if !ok {
		return fmt.Errorf("keyring: unknown kid %q", d.Kid)
	}
	return VerifyDetached(pub, body, d)
}

// AllowsKid reports whether kid is known to this ring. The gateway's
// kid-scope check uses gateway.ClientInfo.AllowsKid, not this method.
func (kr *KeyRing) AllowsKid(kid string) bool {
	_, ok := kr.keys[kid]
	return ok
}

// KeyRingStore resolves the effective KeyRing for an (app, tenant) scope,
// falling back scoped -> app -> global.
type KeyRingStore struct {
	Global  *KeyRing
	apps    map[string]*KeyRing
	scoped  map[string]*KeyRing
}

// NewKeyRingStore builds a store with only the global fallback ring.
func NewKeyRingStore(global *KeyRing) *KeyRingStore {
	return &KeyRingStore{Global: global, apps: map[string]*KeyRing{}, scoped: map[string]*KeyRing{}}
}

// DevKeyRingStore returns a store backed by a single ephemeral dev ring.
func DevKeyRingStore() *KeyRingStore {
	return NewKeyRingStore(Dev())
}

// SetApp registers kr as the default ring for app.
func (s *KeyRingStore) SetApp(app string, kr *KeyRing) {
	s.apps[app] = kr
}

// SetScoped registers kr as the override ring for (app, tenant).
func (s *KeyRingStore) SetScoped(app, tenant string, kr *KeyRing) {
	s.scoped[app+":"+tenant] = kr
}

// Resolve returns the effective ring for (app, tenant): scoped override,
// else the app default, else the global fallback.
func (s *KeyRingStore) Resolve(app, tenant string) *KeyRing {
	if kr, ok := s.scoped[app+":"+tenant]; ok {
		return kr
	}
	if kr, ok := s.apps[app]; ok {
		return kr
	}
	return s.Global
}
