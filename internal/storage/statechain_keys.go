package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/lockbox/internal/sealing"
)

// Key record errors
var (
	ErrKeyNotFound   = errors.New("key not found for statechain")
	ErrNonceNotFound = errors.New("no unconsumed nonce for statechain")
	ErrKeyExists     = errors.New("key already exists for statechain or public key")
)

// KeyRecord is the persisted state of one statechain's server key share.
type KeyRecord struct {
	StatechainID string
	SealedKey    *sealing.SealedBlob
	PublicKey    []byte
	KeyVersion   int64

	// Nonce fields are zero when no unconsumed nonce is stored.
	HasNonce        bool
	PublicNonce     []byte
	NonceKeyVersion int64

	SignatureCount   int64
	SignedKeyVersion int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NonceRecord is an unconsumed nonce removed from the store.
type NonceRecord struct {
	SealedNonce *sealing.SealedBlob
	PublicNonce []byte
	// KeyVersion is the key version the nonce was generated under.
	KeyVersion int64
}

// SaveKey stores a new key share. It fails with ErrKeyExists if the
// statechain or the public key is already present.
func (s *Storage) SaveKey(ctx context.Context, statechainID string, sealed *sealing.SealedBlob, publicKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := sealed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode sealed key: %w", err)
	}

	now := time.Now().Unix()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO statechain_keys (
			statechain_id, sealed_keypair, public_key, key_version,
			sig_count, created_at, updated_at
		) VALUES (?, ?, ?, 1, 0, ?, ?)
	`, statechainID, encoded, publicKey, now, now)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to save key: %w", err)
	}

	return nil
}

// LoadKey retrieves the key record for a statechain.
func (s *Storage) LoadKey(ctx context.Context, statechainID string) (*KeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rec KeyRecord
	var sealedKey []byte
	var sealedNonce, publicNonce []byte
	var nonceVersion, signedVersion sql.NullInt64
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, `
		SELECT statechain_id, sealed_keypair, public_key, key_version,
			   sealed_secnonce, public_nonce, nonce_key_version,
			   sig_count, signed_key_version, created_at, updated_at
		FROM statechain_keys WHERE statechain_id = ?
	`, statechainID).Scan(
		&rec.StatechainID, &sealedKey, &rec.PublicKey, &rec.KeyVersion,
		&sealedNonce, &publicNonce, &nonceVersion,
		&rec.SignatureCount, &signedVersion, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key: %w", err)
	}

	rec.SealedKey, err = sealing.DecodeBlob(sealedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed key: %w", err)
	}
	if sealedNonce != nil {
		rec.HasNonce = true
		rec.PublicNonce = publicNonce
		rec.NonceKeyVersion = nonceVersion.Int64
	}
	rec.SignedKeyVersion = signedVersion.Int64
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)

	return &rec, nil
}

// SaveNonce stores a nonce for a statechain, overwriting any unconsumed one.
// keyVersion records the key the nonce was generated for.
func (s *Storage) SaveNonce(ctx context.Context, statechainID string, sealed *sealing.SealedBlob, publicNonce []byte, keyVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := sealed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode sealed nonce: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE statechain_keys
		SET sealed_secnonce = ?, public_nonce = ?, nonce_key_version = ?, updated_at = ?
		WHERE statechain_id = ?
	`, encoded, publicNonce, keyVersion, time.Now().Unix(), statechainID)
	if err != nil {
		return fmt.Errorf("failed to save nonce: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// LoadAndClearNonce atomically retrieves and removes the unconsumed nonce.
// A second call before the next SaveNonce returns ErrNonceNotFound.
func (s *Storage) LoadAndClearNonce(ctx context.Context, statechainID string) (*NonceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sealedNonce, publicNonce []byte
	var nonceVersion sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT sealed_secnonce, public_nonce, nonce_key_version
		FROM statechain_keys WHERE statechain_id = ?
	`, statechainID).Scan(&sealedNonce, &publicNonce, &nonceVersion)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load nonce: %w", err)
	}
	if sealedNonce == nil {
		return nil, ErrNonceNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE statechain_keys
		SET sealed_secnonce = NULL, public_nonce = NULL, nonce_key_version = NULL, updated_at = ?
		WHERE statechain_id = ?
	`, time.Now().Unix(), statechainID); err != nil {
		return nil, fmt.Errorf("failed to clear nonce: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit nonce consumption: %w", err)
	}

	blob, err := sealing.DecodeBlob(sealedNonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed nonce: %w", err)
	}
	return &NonceRecord{
		SealedNonce: blob,
		PublicNonce: publicNonce,
		KeyVersion:  nonceVersion.Int64,
	}, nil
}

// IncrementSignatureCount records one successful partial signature under the
// current key version.
func (s *Storage) IncrementSignatureCount(ctx context.Context, statechainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		UPDATE statechain_keys
		SET sig_count = sig_count + 1, signed_key_version = key_version, updated_at = ?
		WHERE statechain_id = ?
	`, time.Now().Unix(), statechainID)
	if err != nil {
		return fmt.Errorf("failed to increment signature count: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// ReplaceKey swaps in a rotated key share. The key version is bumped and any
// unconsumed nonce is discarded in the same statement. It returns the new
// key version.
func (s *Storage) ReplaceKey(ctx context.Context, statechainID string, sealed *sealing.SealedBlob, publicKey []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := sealed.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("failed to encode sealed key: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE statechain_keys
		SET sealed_keypair = ?, public_key = ?, key_version = key_version + 1,
			sealed_secnonce = NULL, public_nonce = NULL, nonce_key_version = NULL,
			updated_at = ?
		WHERE statechain_id = ?
	`, encoded, publicKey, time.Now().Unix(), statechainID)
	if err != nil {
		if isUniqueConstraintError(err) {
			return 0, ErrKeyExists
		}
		return 0, fmt.Errorf("failed to replace key: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, ErrKeyNotFound
	}

	var version int64
	if err := tx.QueryRowContext(ctx,
		"SELECT key_version FROM statechain_keys WHERE statechain_id = ?", statechainID,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read key version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit key replacement: %w", err)
	}

	return version, nil
}

// Delete removes all state for a statechain. Deleting an unknown id is a no-op.
func (s *Storage) Delete(ctx context.Context, statechainID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM statechain_keys WHERE statechain_id = ?", statechainID); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}

	return nil
}

// ListStatechains returns all statechain ids, most recently updated first.
func (s *Storage) ListStatechains(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT statechain_id FROM statechain_keys ORDER BY updated_at DESC, statechain_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list statechains: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan statechain id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
