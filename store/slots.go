package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Singleton slots. Each bucket holds at most one value under a fixed key, so
// "exactly one current value" is enforced by the storage layout rather than
// by convention, and replacing the value is a single atomic transaction.
var (
	bucketModelArtifact = []byte("model_artifact")
	bucketSubscription  = []byte("subscription")

	slotKey = []byte("current")
)

// CurrentModelArtifact returns the installed model artifact, or nil if no
// model has been installed yet.
func (s *Store) CurrentModelArtifact() (*ModelArtifact, error) {
	var a *ModelArtifact
	err := s.slots.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketModelArtifact).Get(slotKey)
		if raw == nil {
			return nil
		}
		a = &ModelArtifact{}
		return json.Unmarshal(raw, a)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact slot: %w", err)
	}
	return a, nil
}

// ReplaceModelArtifact swaps the installed model artifact wholesale and
// returns the superseded artifact, if any. The swap is a single transaction:
// a concurrent read observes either the old artifact or the new one, never an
// absent or half-updated slot. Callers delete the superseded files only after
// this returns, so a crash mid-install never leaves the slot pointing at
// deleted files.
func (s *Store) ReplaceModelArtifact(a *ModelArtifact) (*ModelArtifact, error) {
	var prev *ModelArtifact
	err := s.slots.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModelArtifact)
		if raw := b.Get(slotKey); raw != nil {
			prev = &ModelArtifact{}
			if err := json.Unmarshal(raw, prev); err != nil {
				return fmt.Errorf("failed to decode superseded artifact: %w", err)
			}
		}
		raw, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to encode artifact: %w", err)
		}
		return b.Put(slotKey, raw)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to replace model artifact slot: %w", err)
	}
	return prev, nil
}

// TouchModelLastUsed updates the installed artifact's last-used timestamp.
// No-op if no model is installed.
func (s *Store) TouchModelLastUsed(at time.Time) error {
	err := s.slots.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModelArtifact)
		raw := b.Get(slotKey)
		if raw == nil {
			return nil
		}
		var a ModelArtifact
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		a.LastUsedAt = at
		updated, err := json.Marshal(&a)
		if err != nil {
			return err
		}
		return b.Put(slotKey, updated)
	})
	if err != nil {
		return fmt.Errorf("failed to touch model last-used: %w", err)
	}
	return nil
}

// CurrentSubscription returns the cached subscription snapshot, or nil if the
// remote authority has never been reached.
func (s *Store) CurrentSubscription() (*SubscriptionSnapshot, error) {
	var snap *SubscriptionSnapshot
	err := s.slots.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSubscription).Get(slotKey)
		if raw == nil {
			return nil
		}
		snap = &SubscriptionSnapshot{}
		return json.Unmarshal(raw, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read subscription slot: %w", err)
	}
	return snap, nil
}

// ReplaceSubscription swaps the cached subscription snapshot wholesale.
func (s *Store) ReplaceSubscription(snap *SubscriptionSnapshot) error {
	err := s.slots.Update(func(tx *bolt.Tx) error {
		raw, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to encode subscription: %w", err)
		}
		return tx.Bucket(bucketSubscription).Put(slotKey, raw)
	})
	if err != nil {
		return fmt.Errorf("failed to replace subscription slot: %w", err)
	}
	return nil
}
