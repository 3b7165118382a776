package seed

import (
	"context"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"

	"github.com/klingon-exchange/lockbox/internal/config"
	"github.com/klingon-exchange/lockbox/pkg/helpers"
)

// googleClients is the subset of Secret Manager and Cloud KMS the provider uses.
type googleClients interface {
	AccessSecret(ctx context.Context, name string) ([]byte, error)
	Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error)
	Close() error
}

// GoogleKMSProvider reads a KMS-encrypted hex seed from Secret Manager.
type GoogleKMSProvider struct {
	cfg  config.GoogleKMSConfig
	dial func(ctx context.Context) (googleClients, error)
}

// NewGoogleKMSProvider creates a provider using application default credentials.
func NewGoogleKMSProvider(cfg config.GoogleKMSConfig) *GoogleKMSProvider {
	return &GoogleKMSProvider{cfg: cfg, dial: dialGoogle}
}

// Name returns "google_kms".
func (g *GoogleKMSProvider) Name() string {
	return string(config.KeyProviderGoogleKMS)
}

// SecretVersionName is the Secret Manager resource holding the ciphertext.
func (g *GoogleKMSProvider) SecretVersionName() string {
	version := g.cfg.SecretVersion
	if version == "" {
		version = "1"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", g.cfg.ProjectNumber, g.cfg.SecretName, version)
}

// CryptoKeyName is the KMS key that decrypts the secret.
func (g *GoogleKMSProvider) CryptoKeyName() string {
	return fmt.Sprintf("projects/%s/locations/%s/keyRings/%s/cryptoKeys/%s",
		g.cfg.ProjectID, g.cfg.LocationID, g.cfg.KeyRing, g.cfg.CryptoKey)
}

// Seed fetches the encrypted secret, decrypts it with KMS and parses the hex seed.
func (g *GoogleKMSProvider) Seed(ctx context.Context) ([]byte, error) {
	clients, err := g.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create google clients: %w", err)
	}
	defer clients.Close()

	ciphertext, err := clients.AccessSecret(ctx, g.SecretVersionName())
	if err != nil {
		return nil, fmt.Errorf("failed to access secret: %w", err)
	}

	plaintext, err := clients.Decrypt(ctx, g.CryptoKeyName(), ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret: %w", err)
	}
	defer helpers.SecureClear(plaintext)

	return decodeHexSeed(string(plaintext))
}

// gcpClients wraps the real API clients.
type gcpClients struct {
	secrets *secretmanager.Client
	kms     *kms.KeyManagementClient
}

func dialGoogle(ctx context.Context) (googleClients, error) {
	secrets, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secret manager: %w", err)
	}
	kmsClient, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		secrets.Close()
		return nil, fmt.Errorf("kms: %w", err)
	}
	return &gcpClients{secrets: secrets, kms: kmsClient}, nil
}

func (c *gcpClients) AccessSecret(ctx context.Context, name string) ([]byte, error) {
	resp, err := c.secrets.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return nil, err
	}
	return resp.GetPayload().GetData(), nil
}

func (c *gcpClients) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	resp, err := c.kms.Decrypt(ctx, &kmspb.DecryptRequest{Name: keyName, Ciphertext: ciphertext})
	if err != nil {
		return nil, err
	}
	return resp.GetPlaintext(), nil
}

func (c *gcpClients) Close() error {
	return errors.Join(c.secrets.Close(), c.kms.Close())
}

var _ Provider = (*GoogleKMSProvider)(nil)
