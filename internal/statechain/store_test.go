package statechain

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/lockbox/internal/sealing"
	"github.com/klingon-exchange/lockbox/internal/storage"
)

// memStore is an in-memory Store with failure injection.
type memStore struct {
	mu      sync.Mutex
	records map[string]*storage.KeyRecord
	nonces  map[string]*storage.NonceRecord

	// keepNonceOnReplace leaves the nonce in place across ReplaceKey, as a
	// store without atomic rotation would.
	keepNonceOnReplace bool
	failSaveKey        error
	failIncrement      error
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*storage.KeyRecord),
		nonces:  make(map[string]*storage.NonceRecord),
	}
}

func (s *memStore) SaveKey(_ context.Context, id string, sealed *sealing.SealedBlob, pub []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaveKey != nil {
		return s.failSaveKey
	}
	if _, ok := s.records[id]; ok {
		return storage.ErrKeyExists
	}
	s.records[id] = &storage.KeyRecord{
		StatechainID: id,
		SealedKey:    sealed,
		PublicKey:    bytes.Clone(pub),
		KeyVersion:   1,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	return nil
}

func (s *memStore) LoadKey(_ context.Context, id string) (*storage.KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	out := *rec
	if n, ok := s.nonces[id]; ok {
		out.HasNonce = true
		out.PublicNonce = n.PublicNonce
		out.NonceKeyVersion = n.KeyVersion
	}
	return &out, nil
}

func (s *memStore) SaveNonce(_ context.Context, id string, sealed *sealing.SealedBlob, pubNonce []byte, keyVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return storage.ErrKeyNotFound
	}
	s.nonces[id] = &storage.NonceRecord{SealedNonce: sealed, PublicNonce: bytes.Clone(pubNonce), KeyVersion: keyVersion}
	return nil
}

func (s *memStore) LoadAndClearNonce(_ context.Context, id string) (*storage.NonceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return nil, storage.ErrKeyNotFound
	}
	n, ok := s.nonces[id]
	if !ok {
		return nil, storage.ErrNonceNotFound
	}
	delete(s.nonces, id)
	return n, nil
}

func (s *memStore) IncrementSignatureCount(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIncrement != nil {
		return s.failIncrement
	}
	rec, ok := s.records[id]
	if !ok {
		return storage.ErrKeyNotFound
	}
	rec.SignatureCount++
	rec.SignedKeyVersion = rec.KeyVersion
	return nil
}

func (s *memStore) ReplaceKey(_ context.Context, id string, sealed *sealing.SealedBlob, pub []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return 0, storage.ErrKeyNotFound
	}
	rec.SealedKey = sealed
	rec.PublicKey = bytes.Clone(pub)
	rec.KeyVersion++
	if !s.keepNonceOnReplace {
		delete(s.nonces, id)
	}
	return rec.KeyVersion, nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	delete(s.nonces, id)
	return nil
}

var _ Store = (*memStore)(nil)
