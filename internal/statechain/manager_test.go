package statechain

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/lockbox/internal/enclave"
	"github.com/klingon-exchange/lockbox/internal/sealing"
	"github.com/klingon-exchange/lockbox/internal/storage"
	"github.com/klingon-exchange/lockbox/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(&logging.Config{Level: "error", Output: io.Discard})
}

func testEngine(t *testing.T) *enclave.Engine {
	t.Helper()
	raw := make([]byte, sealing.SeedSize)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("failed to generate seed: %v", err)
	}
	seed, err := sealing.NewSeed(raw)
	if err != nil {
		t.Fatalf("NewSeed() error = %v", err)
	}
	e, err := enclave.New(seed)
	if err != nil {
		t.Fatalf("enclave.New() error = %v", err)
	}
	return e
}

func newSQLiteManager(t *testing.T) *Manager {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "lockbox-statechain-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(testEngine(t), store, testLogger())
}

// coordinator simulates the client co-signer and the session coordinator.
type coordinator struct {
	priv   *btcec.PrivateKey
	nonces *musig2.Nonces
	keys   []*btcec.PublicKey
	aggKey *musig2.AggregateKey
	msg    [32]byte
	agg    [enclave.PubNonceSize]byte
}

func newCoordinator(t *testing.T, serverPub []byte, serverNonce [enclave.PubNonceSize]byte, msg [32]byte) (*coordinator, *SignRequest) {
	t.Helper()
	c, req, err := buildCoordinator(serverPub, serverNonce, msg)
	if err != nil {
		t.Fatalf("failed to build signing session: %v", err)
	}
	return c, req
}

func buildCoordinator(serverPub []byte, serverNonce [enclave.PubNonceSize]byte, msg [32]byte) (*coordinator, *SignRequest, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, err
	}
	server, err := btcec.ParsePubKey(serverPub)
	if err != nil {
		return nil, nil, err
	}
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(priv.PubKey()))
	if err != nil {
		return nil, nil, err
	}
	// The server share takes the second key slot, whose aggregation
	// coefficient is one.
	keys := []*btcec.PublicKey{priv.PubKey(), server}
	aggKey, _, _, err := musig2.AggregateKeys(keys, false)
	if err != nil {
		return nil, nil, err
	}
	agg, err := musig2.AggregateNonces([][enclave.PubNonceSize]byte{nonces.PubNonce, serverNonce})
	if err != nil {
		return nil, nil, err
	}
	ctxBytes, err := encodeSessionContext(agg, aggKey.FinalKey, msg)
	if err != nil {
		return nil, nil, err
	}

	c := &coordinator{priv: priv, nonces: nonces, keys: keys, aggKey: aggKey, msg: msg, agg: agg}
	req := &SignRequest{
		NegateSecKey:   aggKey.FinalKey.SerializeCompressed()[0] == secp256k1.PubKeyFormatCompressedOdd,
		SessionContext: ctxBytes,
		PubNonce:       serverNonce[:],
	}
	return c, req, nil
}

func (c *coordinator) verify(t *testing.T, serverSig [enclave.PartialSigSize]byte) bool {
	t.Helper()
	ok, err := c.combine(serverSig)
	if err != nil {
		t.Fatalf("failed to combine signatures: %v", err)
	}
	return ok
}

// combine adds the client share to serverSig and verifies the result under
// the aggregate key.
func (c *coordinator) combine(serverSig [enclave.PartialSigSize]byte) (bool, error) {
	clientSig, err := musig2.Sign(c.nonces.SecNonce, c.priv, c.agg, c.keys, c.msg)
	if err != nil {
		return false, err
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetBytes(&serverSig); overflow != 0 {
		return false, nil
	}
	server := musig2.NewPartialSignature(&s, clientSig.R)
	final := musig2.CombineSigs(clientSig.R, []*musig2.PartialSignature{clientSig, &server})
	return final.Verify(c.msg[:], c.aggKey.FinalKey), nil
}

func TestEndToEndSigning(t *testing.T) {
	m := newSQLiteManager(t)
	ctx := context.Background()

	pub, err := m.CreateKey(ctx, "abc")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	assertState(t, m, "abc", StateKeyReady)

	pubNonce, err := m.GenerateNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	assertState(t, m, "abc", StateNonceReady)

	msg := sha256.Sum256([]byte("statechain abc"))
	c, req := newCoordinator(t, pub, pubNonce, msg)
	req.StatechainID = "abc"

	sig, err := m.Sign(ctx, req)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !c.verify(t, sig) {
		t.Fatal("aggregate signature does not verify against the aggregate key")
	}
	assertState(t, m, "abc", StateSigned)

	status, err := m.Status(ctx, "abc")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if status.SignatureCount != 1 {
		t.Errorf("SignatureCount = %d, want 1", status.SignatureCount)
	}
	if !bytes.Equal(status.PublicKey, pub) {
		t.Error("Status() public key does not match")
	}

	// The nonce is consumed; signing again must fail without a new nonce.
	if _, err := m.Sign(ctx, req); !errors.Is(err, ErrNonceNotFound) {
		t.Errorf("second Sign() error = %v, want ErrNonceNotFound", err)
	}
}

func TestRepeatedRounds(t *testing.T) {
	m := newSQLiteManager(t)
	ctx := context.Background()

	pub, err := m.CreateKey(ctx, "abc")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		pubNonce, err := m.GenerateNonce(ctx, "abc")
		if err != nil {
			t.Fatalf("round %d: GenerateNonce() error = %v", i, err)
		}
		c, req := newCoordinator(t, pub, pubNonce, sha256.Sum256([]byte{byte(i)}))
		req.StatechainID = "abc"
		sig, err := m.Sign(ctx, req)
		if err != nil {
			t.Fatalf("round %d: Sign() error = %v", i, err)
		}
		if !c.verify(t, sig) {
			t.Fatalf("round %d: signature does not verify", i)
		}
	}

	status, _ := m.Status(ctx, "abc")
	if status.SignatureCount != 3 {
		t.Errorf("SignatureCount = %d, want 3", status.SignatureCount)
	}
}

func TestRotation(t *testing.T) {
	m := newSQLiteManager(t)
	ctx := context.Background()

	oldPub, err := m.CreateKey(ctx, "abc")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	oldNonce, err := m.GenerateNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}

	x1, _ := btcec.NewPrivateKey()
	t2, _ := btcec.NewPrivateKey()
	x1b := x1.Key.Bytes()
	t2b := t2.Key.Bytes()
	newPub, err := m.Rotate(ctx, "abc", x1b[:], t2b[:])
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if bytes.Equal(newPub, oldPub) {
		t.Fatal("rotation did not change the public key")
	}
	assertState(t, m, "abc", StateKeyReady)

	status, _ := m.Status(ctx, "abc")
	if status.KeyVersion != 2 {
		t.Errorf("KeyVersion = %d, want 2", status.KeyVersion)
	}

	// The pre-rotation nonce is gone.
	_, req := newCoordinator(t, oldPub, oldNonce, sha256.Sum256([]byte("old")))
	req.StatechainID = "abc"
	if _, err := m.Sign(ctx, req); !errors.Is(err, ErrNonceNotFound) {
		t.Errorf("Sign() with pre-rotation nonce error = %v, want ErrNonceNotFound", err)
	}

	// Signing under the rotated key works.
	pubNonce, err := m.GenerateNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	c, req := newCoordinator(t, newPub, pubNonce, sha256.Sum256([]byte("new")))
	req.StatechainID = "abc"
	sig, err := m.Sign(ctx, req)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !c.verify(t, sig) {
		t.Error("signature under rotated key does not verify")
	}

	if _, err := m.Rotate(ctx, "abc", make([]byte, 32), t2b[:]); !errors.Is(err, enclave.ErrInvalidScalar) {
		t.Errorf("Rotate() with zero x1 error = %v, want ErrInvalidScalar", err)
	}
}

func TestRotationStaleNonceWithoutStoreSupport(t *testing.T) {
	store := newMemStore()
	store.keepNonceOnReplace = true
	m := NewManager(testEngine(t), store, testLogger())
	ctx := context.Background()

	pub, err := m.CreateKey(ctx, "abc")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	pubNonce, err := m.GenerateNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	x1, _ := btcec.NewPrivateKey()
	x1b := x1.Key.Bytes()
	if _, err := m.Rotate(ctx, "abc", x1b[:], make([]byte, 32)); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	// The nonce is physically present but belongs to the old key.
	assertState(t, m, "abc", StateKeyReady)
	_, req := newCoordinator(t, pub, pubNonce, sha256.Sum256([]byte("stale")))
	req.StatechainID = "abc"
	if _, err := m.Sign(ctx, req); !errors.Is(err, ErrStaleNonce) {
		t.Errorf("Sign() error = %v, want ErrStaleNonce", err)
	}
	// Rejection still consumes it.
	if _, ok := store.nonces["abc"]; ok {
		t.Error("stale nonce was left in the store")
	}
}

func TestSignRejectsMalformedInputWithoutConsumingNonce(t *testing.T) {
	m := newSQLiteManager(t)
	ctx := context.Background()

	pub, err := m.CreateKey(ctx, "abc")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	pubNonce, err := m.GenerateNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	_, req := newCoordinator(t, pub, pubNonce, sha256.Sum256([]byte("m")))
	req.StatechainID = "abc"

	bad := *req
	bad.SessionContext = req.SessionContext[:10]
	if _, err := m.Sign(ctx, &bad); !errors.Is(err, enclave.ErrInvalidSessionEncoding) {
		t.Errorf("Sign() error = %v, want ErrInvalidSessionEncoding", err)
	}
	bad = *req
	bad.PubNonce = []byte{0x02}
	if _, err := m.Sign(ctx, &bad); !errors.Is(err, enclave.ErrInvalidNonceEncoding) {
		t.Errorf("Sign() error = %v, want ErrInvalidNonceEncoding", err)
	}

	assertState(t, m, "abc", StateNonceReady)
	if _, err := m.Sign(ctx, req); err != nil {
		t.Errorf("Sign() after rejected input error = %v", err)
	}
}

func TestSignWithMismatchedPubNonceBurnsNonce(t *testing.T) {
	m := newSQLiteManager(t)
	ctx := context.Background()

	pub, _ := m.CreateKey(ctx, "abc")
	first, err := m.GenerateNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	// A second nonce replaces the first.
	if _, err := m.GenerateNonce(ctx, "abc"); err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}

	_, req := newCoordinator(t, pub, first, sha256.Sum256([]byte("m")))
	req.StatechainID = "abc"
	if _, err := m.Sign(ctx, req); !errors.Is(err, enclave.ErrNonceMismatch) {
		t.Errorf("Sign() error = %v, want ErrNonceMismatch", err)
	}
	assertState(t, m, "abc", StateKeyReady)
}

func TestManagerNotFound(t *testing.T) {
	m := newSQLiteManager(t)
	ctx := context.Background()

	assertState(t, m, "missing", StateUninitialized)
	if _, err := m.GenerateNonce(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("GenerateNonce() error = %v, want ErrKeyNotFound", err)
	}
	if _, err := m.Rotate(ctx, "missing", make([]byte, 32), make([]byte, 32)); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Rotate() error = %v, want ErrKeyNotFound", err)
	}
	if err := m.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete() of unknown id error = %v, want nil", err)
	}

	if _, err := m.CreateKey(ctx, "abc"); err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	var someNonce [enclave.PubNonceSize]byte
	pub, _ := btcec.NewPrivateKey()
	copy(someNonce[:33], pub.PubKey().SerializeCompressed())
	copy(someNonce[33:], pub.PubKey().SerializeCompressed())
	_, err := m.Sign(ctx, &SignRequest{StatechainID: "abc", SessionContext: emptySessionContext(), PubNonce: someNonce[:]})
	if !errors.Is(err, ErrNonceNotFound) {
		t.Errorf("Sign() without nonce error = %v, want ErrNonceNotFound", err)
	}

	for name, err := range map[string]error{
		"CreateKey": func() error { _, err := m.CreateKey(ctx, ""); return err }(),
		"Delete":    m.Delete(ctx, ""),
		"Sign":      func() error { _, err := m.Sign(ctx, nil); return err }(),
	} {
		if !errors.Is(err, ErrInvalidID) {
			t.Errorf("%s(\"\") error = %v, want ErrInvalidID", name, err)
		}
	}
}

func TestCreateKeyTwice(t *testing.T) {
	m := newSQLiteManager(t)
	ctx := context.Background()
	if _, err := m.CreateKey(ctx, "abc"); err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	if _, err := m.CreateKey(ctx, "abc"); !errors.Is(err, ErrKeyExists) {
		t.Errorf("second CreateKey() error = %v, want ErrKeyExists", err)
	}
}

func TestStoreFailures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")

	store := newMemStore()
	store.failSaveKey = boom
	m := NewManager(testEngine(t), store, testLogger())
	if _, err := m.CreateKey(ctx, "abc"); !errors.Is(err, ErrStore) || !errors.Is(err, boom) {
		t.Errorf("CreateKey() error = %v, want ErrStore wrapping cause", err)
	}
	assertState(t, m, "abc", StateUninitialized)

	store = newMemStore()
	store.failIncrement = boom
	m = NewManager(testEngine(t), store, testLogger())
	pub, err := m.CreateKey(ctx, "abc")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	pubNonce, err := m.GenerateNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	_, req := newCoordinator(t, pub, pubNonce, sha256.Sum256([]byte("m")))
	req.StatechainID = "abc"
	sig, err := m.Sign(ctx, req)
	if !errors.Is(err, ErrStore) {
		t.Errorf("Sign() error = %v, want ErrStore", err)
	}
	if sig != ([enclave.PartialSigSize]byte{}) {
		t.Error("signature returned without being recorded")
	}
	if _, ok := store.nonces["abc"]; ok {
		t.Error("nonce must stay consumed after a failed signing round")
	}
}

func TestDelete(t *testing.T) {
	m := newSQLiteManager(t)
	ctx := context.Background()

	if _, err := m.CreateKey(ctx, "abc"); err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	if _, err := m.GenerateNonce(ctx, "abc"); err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	if err := m.Delete(ctx, "abc"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	assertState(t, m, "abc", StateUninitialized)

	if err := m.Delete(ctx, "abc"); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}

	// The id can be reused after deletion.
	if _, err := m.CreateKey(ctx, "abc"); err != nil {
		t.Errorf("CreateKey() after delete error = %v", err)
	}
}

func TestCorruptRecordRejected(t *testing.T) {
	store := newMemStore()
	m := NewManager(testEngine(t), store, testLogger())
	ctx := context.Background()

	pub, err := m.CreateKey(ctx, "abc")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	other, err := m.CreateKey(ctx, "def")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	pubNonce, err := m.GenerateNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	_, req := newCoordinator(t, pub, pubNonce, sha256.Sum256([]byte("m")))
	req.StatechainID = "abc"

	store.mu.Lock()
	store.records["abc"].PublicKey = other
	store.mu.Unlock()

	if _, err := m.Sign(ctx, req); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("Sign() error = %v, want ErrCorruptRecord", err)
	}
	// The nonce is still stored, so repairing the record allows signing.
	assertState(t, m, "abc", StateNonceReady)
	if _, err := m.GenerateNonce(ctx, "abc"); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("GenerateNonce() error = %v, want ErrCorruptRecord", err)
	}

	store.mu.Lock()
	store.records["abc"].PublicKey = pub
	store.mu.Unlock()
	if _, err := m.Sign(ctx, req); err != nil {
		t.Errorf("Sign() after repair error = %v", err)
	}
}

func TestConcurrentStatechains(t *testing.T) {
	m := NewManager(testEngine(t), newMemStore(), testLogger())
	ctx := context.Background()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 16; i++ {
		id := fmt.Sprintf("chain-%d", i)
		g.Go(func() error {
			pub, err := m.CreateKey(gctx, id)
			if err != nil {
				return err
			}
			for round := 0; round < 2; round++ {
				pubNonce, err := m.GenerateNonce(gctx, id)
				if err != nil {
					return err
				}
				c, req, err := buildCoordinator(pub, pubNonce, sha256.Sum256([]byte(id)))
				if err != nil {
					return err
				}
				req.StatechainID = id
				sig, err := m.Sign(gctx, req)
				if err != nil {
					return err
				}
				ok, err := c.combine(sig)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: signature does not verify", id)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent ceremonies failed: %v", err)
	}
	if n := m.locks.size(); n != 0 {
		t.Errorf("%d lock entries leaked", n)
	}
}

func TestConcurrentSignSingleUse(t *testing.T) {
	m := newSQLiteManager(t)
	ctx := context.Background()

	pub, err := m.CreateKey(ctx, "abc")
	if err != nil {
		t.Fatalf("CreateKey() error = %v", err)
	}
	pubNonce, err := m.GenerateNonce(ctx, "abc")
	if err != nil {
		t.Fatalf("GenerateNonce() error = %v", err)
	}
	_, req := newCoordinator(t, pub, pubNonce, sha256.Sum256([]byte("race")))
	req.StatechainID = "abc"

	results := make([]error, 8)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			_, results[i] = m.Sign(ctx, req)
			return nil
		})
	}
	g.Wait()

	succeeded := 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, ErrNonceNotFound):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d concurrent Sign() calls succeeded with one nonce, want 1", succeeded)
	}
}

func TestStateOf(t *testing.T) {
	tests := []struct {
		name string
		rec  *storage.KeyRecord
		want State
	}{
		{"no record", nil, StateUninitialized},
		{"fresh key", &storage.KeyRecord{KeyVersion: 1}, StateKeyReady},
		{"nonce", &storage.KeyRecord{KeyVersion: 1, HasNonce: true, NonceKeyVersion: 1}, StateNonceReady},
		{"stale nonce", &storage.KeyRecord{KeyVersion: 2, HasNonce: true, NonceKeyVersion: 1}, StateKeyReady},
		{"signed", &storage.KeyRecord{KeyVersion: 1, SignatureCount: 1, SignedKeyVersion: 1}, StateSigned},
		{"signed then rotated", &storage.KeyRecord{KeyVersion: 2, SignatureCount: 4, SignedKeyVersion: 1}, StateKeyReady},
		{"signed then nonce", &storage.KeyRecord{KeyVersion: 1, SignatureCount: 1, SignedKeyVersion: 1, HasNonce: true, NonceKeyVersion: 1}, StateNonceReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stateOf(tt.rec); got != tt.want {
				t.Errorf("stateOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func assertState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	got, err := m.State(context.Background(), id)
	if err != nil {
		t.Fatalf("State(%s) error = %v", id, err)
	}
	if got != want {
		t.Errorf("State(%s) = %s, want %s", id, got, want)
	}
}
