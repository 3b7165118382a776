// Package statechain orchestrates the key lifecycle of each statechain:
// key creation, nonce generation, blinded partial signing, rotation and
// deletion. It composes the enclave engine with a persistent store and
// enforces single use of every secret nonce.
package statechain

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/klingon-exchange/lockbox/internal/enclave"
	"github.com/klingon-exchange/lockbox/internal/sealing"
	"github.com/klingon-exchange/lockbox/internal/storage"
	"github.com/klingon-exchange/lockbox/pkg/logging"
)

// Statechain errors
var (
	ErrInvalidID     = errors.New("statechain id is required")
	ErrKeyNotFound   = errors.New("statechain has no key share")
	ErrKeyExists     = errors.New("statechain already has a key share")
	ErrNonceNotFound = errors.New("statechain has no unconsumed nonce")
	ErrStaleNonce    = errors.New("nonce was generated for a previous key share")
	ErrCorruptRecord = errors.New("stored public key does not match sealed key share")
	ErrStore         = errors.New("store failure")
)

// Store persists sealed key records keyed by statechain id.
// storage.Storage is the production implementation.
type Store interface {
	SaveKey(ctx context.Context, statechainID string, sealed *sealing.SealedBlob, publicKey []byte) error
	LoadKey(ctx context.Context, statechainID string) (*storage.KeyRecord, error)
	SaveNonce(ctx context.Context, statechainID string, sealed *sealing.SealedBlob, publicNonce []byte, keyVersion int64) error
	LoadAndClearNonce(ctx context.Context, statechainID string) (*storage.NonceRecord, error)
	IncrementSignatureCount(ctx context.Context, statechainID string) error
	ReplaceKey(ctx context.Context, statechainID string, sealed *sealing.SealedBlob, publicKey []byte) (int64, error)
	Delete(ctx context.Context, statechainID string) error
}

var _ Store = (*storage.Storage)(nil)

// SignRequest holds the caller-supplied inputs of a signing round.
type SignRequest struct {
	StatechainID   string
	NegateSecKey   bool
	SessionContext []byte
	PubNonce       []byte
}

// Manager runs ceremonies against persisted statechain records. Calls for
// the same statechain id are serialized; calls for different ids run
// concurrently.
type Manager struct {
	engine *enclave.Engine
	store  Store
	locks  *idLocks
	log    *logging.Logger
}

// NewManager creates a Manager.
func NewManager(engine *enclave.Engine, store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetDefault()
	}
	return &Manager{
		engine: engine,
		store:  store,
		locks:  newIDLocks(),
		log:    logger.Component("statechain"),
	}
}

// CreateKey generates and stores a new key share, returning its compressed
// public key. On store failure the statechain stays uninitialized.
func (m *Manager) CreateKey(ctx context.Context, statechainID string) ([]byte, error) {
	if statechainID == "" {
		return nil, ErrInvalidID
	}
	unlock := m.locks.lock(statechainID)
	defer unlock()
	log := m.log.ForStatechain(statechainID)

	key, err := m.engine.GenerateKey()
	if err != nil {
		log.Error("Key generation failed", "error", err)
		return nil, err
	}
	if err := m.store.SaveKey(ctx, statechainID, key.Sealed, key.PublicKey); err != nil {
		return nil, storeError(err)
	}

	log.Info("Key share created")
	log.Debug("Key share public key", "public_key", hex.EncodeToString(key.PublicKey))
	return key.PublicKey, nil
}

// GenerateNonce creates a fresh nonce for the current key share and stores
// it, replacing any unconsumed nonce.
func (m *Manager) GenerateNonce(ctx context.Context, statechainID string) ([enclave.PubNonceSize]byte, error) {
	var out [enclave.PubNonceSize]byte
	if statechainID == "" {
		return out, ErrInvalidID
	}
	unlock := m.locks.lock(statechainID)
	defer unlock()
	log := m.log.ForStatechain(statechainID)

	rec, err := m.store.LoadKey(ctx, statechainID)
	if err != nil {
		return out, storeError(err)
	}
	if err := m.checkRecord(rec); err != nil {
		log.Error("Key record check failed", "error", err)
		return out, err
	}

	nonce, err := m.engine.GenerateNonce(rec.SealedKey)
	if err != nil {
		log.Error("Nonce generation failed", "error", err)
		return out, err
	}
	if err := m.store.SaveNonce(ctx, statechainID, nonce.Sealed, nonce.PubNonce[:], rec.KeyVersion); err != nil {
		return out, storeError(err)
	}

	if rec.HasNonce {
		log.Warn("Replaced unconsumed nonce")
	}
	log.Debug("Nonce generated", "public_nonce", hex.EncodeToString(nonce.PubNonce[:]))
	return nonce.PubNonce, nil
}

// Sign consumes the stored nonce and produces a blinded partial signature.
//
// Malformed session context or public nonce encodings, and records whose
// public key disagrees with the sealed keypair, are rejected before the
// nonce is touched. Once loaded, the nonce is gone from the store
// whether or not signing succeeds, so it can never sign twice. The
// signature is returned only after the signature counter is incremented.
func (m *Manager) Sign(ctx context.Context, req *SignRequest) ([enclave.PartialSigSize]byte, error) {
	var out [enclave.PartialSigSize]byte
	if req == nil || req.StatechainID == "" {
		return out, ErrInvalidID
	}
	if _, err := enclave.ParseSessionContext(req.SessionContext); err != nil {
		return out, err
	}
	if _, _, err := enclave.ParsePubNonce(req.PubNonce); err != nil {
		return out, err
	}

	unlock := m.locks.lock(req.StatechainID)
	defer unlock()
	log := m.log.ForStatechain(req.StatechainID)

	rec, err := m.store.LoadKey(ctx, req.StatechainID)
	if err != nil {
		return out, storeError(err)
	}
	if err := m.checkRecord(rec); err != nil {
		log.Error("Key record check failed", "error", err)
		return out, err
	}
	nonce, err := m.store.LoadAndClearNonce(ctx, req.StatechainID)
	if err != nil {
		return out, storeError(err)
	}
	if nonce.KeyVersion != rec.KeyVersion {
		log.Warn("Rejected nonce from previous key share",
			"nonce_key_version", nonce.KeyVersion, "key_version", rec.KeyVersion)
		return out, ErrStaleNonce
	}

	sig, err := m.engine.Sign(&enclave.SignRequest{
		SealedKey:      rec.SealedKey,
		SealedNonce:    nonce.SealedNonce,
		NegateSecKey:   req.NegateSecKey,
		SessionContext: req.SessionContext,
		PubNonce:       req.PubNonce,
	})
	if err != nil {
		log.Error("Partial signing failed", "error", err)
		return out, err
	}

	if err := m.store.IncrementSignatureCount(ctx, req.StatechainID); err != nil {
		log.Error("Failed to record signature", "error", err)
		return out, storeError(err)
	}

	log.Info("Partial signature produced", "signature_count", rec.SignatureCount+1)
	return sig, nil
}

// Rotate re-splits the key share with the transfer tweaks x1 and t2 and
// returns the new compressed public key. Any outstanding nonce is invalidated.
func (m *Manager) Rotate(ctx context.Context, statechainID string, x1, t2 []byte) ([]byte, error) {
	if statechainID == "" {
		return nil, ErrInvalidID
	}
	unlock := m.locks.lock(statechainID)
	defer unlock()
	log := m.log.ForStatechain(statechainID)

	rec, err := m.store.LoadKey(ctx, statechainID)
	if err != nil {
		return nil, storeError(err)
	}

	key, err := m.engine.RotateKey(rec.SealedKey, x1, t2)
	if err != nil {
		log.Error("Key rotation failed", "error", err)
		return nil, err
	}
	version, err := m.store.ReplaceKey(ctx, statechainID, key.Sealed, key.PublicKey)
	if err != nil {
		return nil, storeError(err)
	}

	log.Info("Key share rotated", "key_version", version)
	log.Debug("Rotated public key", "public_key", hex.EncodeToString(key.PublicKey))
	return key.PublicKey, nil
}

// Delete removes all state for a statechain.
func (m *Manager) Delete(ctx context.Context, statechainID string) error {
	if statechainID == "" {
		return ErrInvalidID
	}
	unlock := m.locks.lock(statechainID)
	defer unlock()

	if err := m.store.Delete(ctx, statechainID); err != nil {
		return storeError(err)
	}
	m.log.ForStatechain(statechainID).Info("Statechain deleted")
	return nil
}

// State reports the lifecycle state of a statechain.
func (m *Manager) State(ctx context.Context, statechainID string) (State, error) {
	status, err := m.Status(ctx, statechainID)
	if err != nil {
		return "", err
	}
	return status.State, nil
}

// Status returns the public view of a statechain. An unknown id reports
// StateUninitialized rather than an error.
func (m *Manager) Status(ctx context.Context, statechainID string) (*Status, error) {
	if statechainID == "" {
		return nil, ErrInvalidID
	}
	unlock := m.locks.lock(statechainID)
	defer unlock()

	rec, err := m.store.LoadKey(ctx, statechainID)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return &Status{StatechainID: statechainID, State: StateUninitialized}, nil
	}
	if err != nil {
		return nil, storeError(err)
	}

	status := &Status{
		StatechainID:   statechainID,
		State:          stateOf(rec),
		PublicKey:      rec.PublicKey,
		KeyVersion:     rec.KeyVersion,
		SignatureCount: rec.SignatureCount,
	}
	if status.State == StateNonceReady {
		status.PublicNonce = rec.PublicNonce
	}
	return status, nil
}

// checkRecord confirms the public key column matches the sealed keypair.
func (m *Manager) checkRecord(rec *storage.KeyRecord) error {
	pub, err := m.engine.PublicKeyOf(rec.SealedKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(pub, rec.PublicKey) {
		return ErrCorruptRecord
	}
	return nil
}

// storeError maps store errors onto this package's taxonomy.
func storeError(err error) error {
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return ErrKeyNotFound
	case errors.Is(err, storage.ErrNonceNotFound):
		return ErrNonceNotFound
	case errors.Is(err, storage.ErrKeyExists):
		return ErrKeyExists
	default:
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
}
