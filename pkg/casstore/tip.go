// Copyright 2025 Certen Protocol

package casstore

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// TipStore tracks each tenant's latest write-final receipt CID — its tip —
// and exchanges it atomically so two concurrent runs against the same
// tenant can't both believe they extended the chain from the same parent.
type TipStore struct {
	db dbm.DB
}

// OpenTipStore opens (or creates) the tip store under dataDir.
func OpenTipStore(dataDir, kind string) (*TipStore, error) {
	var db dbm.DB
	var err error
	switch kind {
	case "memdb":
		db = dbm.NewMemDB()
	case "goleveldb":
		db, err = dbm.NewGoLevelDB("ubl-tips", dataDir)
		if err != nil {
			return nil, fmt.Errorf("casstore: open tip store: %w", err)
		}
	default:
		return nil, fmt.Errorf("casstore: unknown backend kind %q", kind)
	}
	return &TipStore{db: db}, nil
}

func tipKey(tenant string) []byte { return []byte("tip:" + tenant) }

// Get returns the tenant's current tip, or ok=false if the tenant has no
// chain yet.
func (t *TipStore) Get(tenant string) (string, bool, error) {
	v, err := t.db.Get(tipKey(tenant))
	if err != nil {
		return "", false, fmt.Errorf("casstore: get tip: %w", err)
	}
	if v == nil {
		return "", false, nil
	}
	return string(v), true, nil
}

// CompareAndSwap atomically replaces the tenant's tip with newTip provided
// the current tip equals expected ("" meaning "no chain yet"). It reports
// whether the swap happened; callers must hold the tenant's lock around
// Get+CompareAndSwap to avoid a lost-update race, since the underlying KV
// has no native CAS primitive.
func (t *TipStore) CompareAndSwap(tenant, expected, newTip string) (bool, error) {
	current, ok, err := t.Get(tenant)
	if err != nil {
		return false, err
	}
	if ok != (expected != "") || (ok && current != expected) {
		return false, nil
	}
	if err := t.db.SetSync(tipKey(tenant), []byte(newTip)); err != nil {
		return false, fmt.Errorf("casstore: set tip: %w", err)
	}
	return true, nil
}

func seenKey(tenant, key string) []byte { return []byte("seen:" + tenant + ":" + key) }

// MarkSeen records that an idempotency key ("<pipeline>:<inputs_raw_cid>")
// was executed for tenant. The seen set lives beside the tip so both survive
// a restart together.
func (t *TipStore) MarkSeen(tenant, key string) error {
	if err := t.db.SetSync(seenKey(tenant, key), []byte{1}); err != nil {
		return fmt.Errorf("casstore: mark seen: %w", err)
	}
	return nil
}

// WasSeen reports whether an idempotency key was already executed for tenant.
func (t *TipStore) WasSeen(tenant, key string) (bool, error) {
	v, err := t.db.Get(seenKey(tenant, key))
	if err != nil {
		return false, fmt.Errorf("casstore: check seen: %w", err)
	}
	return v != nil, nil
}

// Close releases the underlying database handle.
func (t *TipStore) Close() error {
	return t.db.Close()
}
