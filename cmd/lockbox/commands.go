package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/klingon-exchange/lockbox/internal/enclave"
	"github.com/klingon-exchange/lockbox/internal/statechain"
	"github.com/klingon-exchange/lockbox/pkg/helpers"
)

type commandFunc func(ctx context.Context, svc *service, args []string, stdout, stderr io.Writer) error

var commands = map[string]commandFunc{
	"keygen": cmdKeygen,
	"nonce":  cmdNonce,
	"sign":   cmdSign,
	"rotate": cmdRotate,
	"delete": cmdDelete,
	"status": cmdStatus,
}

// newStatechainID returns a uuid v4 in simple (unhyphenated) form.
func newStatechainID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "Statechain id")
	return fs, id
}

func requireID(fs *flag.FlagSet, id string) error {
	if id == "" {
		fs.Usage()
		return fmt.Errorf("%w: -id is required", errUsage)
	}
	return nil
}

func optionalHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return helpers.BytesToHex(b)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdKeygen(ctx context.Context, svc *service, args []string, stdout, stderr io.Writer) error {
	fs, id := newFlagSet("keygen", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		*id = newStatechainID()
	}

	pub, err := svc.manager.CreateKey(ctx, *id)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{
		"statechain_id": *id,
		"public_key":    helpers.BytesToHex(pub),
	})
}

func cmdNonce(ctx context.Context, svc *service, args []string, stdout, stderr io.Writer) error {
	fs, id := newFlagSet("nonce", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireID(fs, *id); err != nil {
		return err
	}

	pubNonce, err := svc.manager.GenerateNonce(ctx, *id)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{
		"statechain_id": *id,
		"public_nonce":  helpers.BytesToHex(pubNonce[:]),
	})
}

func cmdSign(ctx context.Context, svc *service, args []string, stdout, stderr io.Writer) error {
	fs, id := newFlagSet("sign", stderr)
	var (
		sessionHex  = fs.String("session-context", "", "Hex-encoded 133-byte session context")
		pubNonceHex = fs.String("pub-nonce", "", "Hex-encoded 66-byte public nonce")
		negate      = fs.Bool("negate", false, "Sign with the negated key share")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireID(fs, *id); err != nil {
		return err
	}

	sessionCtx, err := helpers.HexToFixedBytes(*sessionHex, enclave.SessionContextSize)
	if err != nil {
		return fmt.Errorf("%w: session context: %v", enclave.ErrInvalidSessionEncoding, err)
	}
	pubNonce, err := helpers.HexToFixedBytes(*pubNonceHex, enclave.PubNonceSize)
	if err != nil {
		return fmt.Errorf("%w: public nonce: %v", enclave.ErrInvalidNonceEncoding, err)
	}

	sig, err := svc.manager.Sign(ctx, &statechain.SignRequest{
		StatechainID:   *id,
		NegateSecKey:   *negate,
		SessionContext: sessionCtx,
		PubNonce:       pubNonce,
	})
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{
		"statechain_id":     *id,
		"partial_signature": helpers.BytesToHex(sig[:]),
	})
}

func cmdRotate(ctx context.Context, svc *service, args []string, stdout, stderr io.Writer) error {
	fs, id := newFlagSet("rotate", stderr)
	var (
		x1Hex = fs.String("x1", "", "Hex-encoded 32-byte scalar subtracted from the key share")
		t2Hex = fs.String("t2", "", "Hex-encoded 32-byte scalar added to the key share")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireID(fs, *id); err != nil {
		return err
	}

	x1, err := helpers.HexToFixedBytes(*x1Hex, enclave.ScalarSize)
	if err != nil {
		return fmt.Errorf("x1: %w: %v", enclave.ErrInvalidScalar, err)
	}
	defer helpers.SecureClear(x1)
	t2, err := helpers.HexToFixedBytes(*t2Hex, enclave.ScalarSize)
	if err != nil {
		return fmt.Errorf("t2: %w: %v", enclave.ErrInvalidScalar, err)
	}
	defer helpers.SecureClear(t2)

	pub, err := svc.manager.Rotate(ctx, *id, x1, t2)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{
		"statechain_id": *id,
		"public_key":    helpers.BytesToHex(pub),
	})
}

func cmdDelete(ctx context.Context, svc *service, args []string, stdout, stderr io.Writer) error {
	fs, id := newFlagSet("delete", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := requireID(fs, *id); err != nil {
		return err
	}

	if err := svc.manager.Delete(ctx, *id); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]string{
		"statechain_id": *id,
		"deleted":       "true",
	})
}

type statusOutput struct {
	StatechainID   string `json:"statechain_id"`
	State          string `json:"state"`
	PublicKey      string `json:"public_key,omitempty"`
	PublicNonce    string `json:"public_nonce,omitempty"`
	KeyVersion     int64  `json:"key_version,omitempty"`
	SignatureCount int64  `json:"signature_count"`
}

func cmdStatus(ctx context.Context, svc *service, args []string, stdout, stderr io.Writer) error {
	fs, id := newFlagSet("status", stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ids := []string{*id}
	if *id == "" {
		var err error
		ids, err = svc.store.ListStatechains(ctx)
		if err != nil {
			return err
		}
	}

	out := make([]statusOutput, 0, len(ids))
	for _, sid := range ids {
		status, err := svc.manager.Status(ctx, sid)
		if err != nil {
			return err
		}
		out = append(out, statusOutput{
			StatechainID:   status.StatechainID,
			State:          status.State.String(),
			PublicKey:      optionalHex(status.PublicKey),
			PublicNonce:    optionalHex(status.PublicNonce),
			KeyVersion:     status.KeyVersion,
			SignatureCount: status.SignatureCount,
		})
	}

	if *id != "" {
		return writeJSON(stdout, out[0])
	}
	return writeJSON(stdout, out)
}
