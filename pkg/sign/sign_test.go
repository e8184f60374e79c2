// Copyright 2025 Certen Protocol
//
// Unit tests for detached JWS signing and keyring resolution.

package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Detached JWS
// ============================================================================

func TestSignDetached_VerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	body := []byte(`{"a":1}`)

	d, err := SignDetached(priv, "k1", body)
	require.NoError(t, err)
	require.Equal(t, "k1", d.Kid)
	require.NoError(t, VerifyDetached(pub, body, d))
}

func TestSignDetached_Deterministic(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	body := []byte(`{"a":1}`)

	a, err := SignDetached(priv, "k1", body)
	require.NoError(t, err)
	b, err := SignDetached(priv, "k1", body)
	require.NoError(t, err)
	require.Equal(t, a.Signature, b.Signature, "Ed25519 signing must be deterministic for identical input")
}

func TestVerifyDetached_RejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	d, err := SignDetached(priv, "k1", []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Error(t, VerifyDetached(pub, []byte(`{"a":2}`), d))
}

func TestVerifyDetached_RejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	body := []byte(`{"a":1}`)
	d, err := SignDetached(priv, "k1", body)
	require.NoError(t, err)
	require.Error(t, VerifyDetached(otherPub, body, d))
}

// ============================================================================
// KeyRing
// ============================================================================

func TestKeyRing_SignVerifyRoundTrip(t *testing.T) {
	kr := NewKeyRing()
	_, err := kr.Generate("k1")
	require.NoError(t, err)
	kr.ActiveKid = "k1"

	body := []byte(`{"a":1}`)
	d, err := kr.Sign(body)
	require.NoError(t, err)
	require.NoError(t, kr.Verify(body, d))
}

func TestKeyRing_SignWithoutActiveKeyFails(t *testing.T) {
	kr := NewKeyRing()
	_, err := kr.Sign([]byte("x"))
	require.Error(t, err)
}

func TestKeyRing_VerifyUnknownKidFails(t *testing.T) {
	kr := NewKeyRing()
	_, err := kr.Generate("k1")
	require.NoError(t, err)
	kr.ActiveKid = "k1"
	d, err := kr.Sign([]byte("x"))
	require.NoError(t, err)
	d.Kid = "unknown"
	require.Error(t, kr.Verify([]byte("x"), d))
}

func TestKeyRing_AllowsKid(t *testing.T) {
	kr := NewKeyRing()
	_, err := kr.Generate("k1")
	require.NoError(t, err)
	require.True(t, kr.AllowsKid("k1"))
	require.False(t, kr.AllowsKid("k2"))
}

// ============================================================================
// KeyRingStore resolution
// ============================================================================

func TestKeyRingStore_ResolvesScopedOverAppOverGlobal(t *testing.T) {
	global := Dev()
	appRing := Dev()
	scopedRing := Dev()

	store := NewKeyRingStore(global)
	store.SetApp("billing", appRing)
	store.SetScoped("billing", "tenant-1", scopedRing)

	require.Same(t, scopedRing, store.Resolve("billing", "tenant-1"), "the scoped ring should win")
	require.Same(t, appRing, store.Resolve("billing", "tenant-2"), "the app ring should win when no scoped override exists")
	require.Same(t, global, store.Resolve("unknown-app", "tenant-9"), "the global ring should win when no app or scoped override exists")
}
