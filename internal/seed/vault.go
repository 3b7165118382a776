package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klingon-exchange/lockbox/internal/config"
)

// VaultProvider reads a hex seed from a HashiCorp Vault KV v2 engine.
type VaultProvider struct {
	baseURL    string
	token      string
	mountPoint string
	path       string
	keyName    string
	httpClient *http.Client
}

// NewVaultProvider creates a provider for a self-hosted Vault.
func NewVaultProvider(cfg config.HashicorpContainerConfig) *VaultProvider {
	return &VaultProvider{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		token:      cfg.Token,
		mountPoint: strings.Trim(cfg.MountPoint, "/"),
		path:       strings.Trim(cfg.Path, "/"),
		keyName:    cfg.KeyName,
		httpClient: newHTTPClient(),
	}
}

// Name returns "hashicorp_container".
func (v *VaultProvider) Name() string {
	return string(config.KeyProviderHashicorpContainer)
}

// Seed fetches {url}/v1/{mount}/data/{path} and reads data.data.{key}.
func (v *VaultProvider) Seed(ctx context.Context) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/%s/data/%s", v.baseURL, url.PathEscape(v.mountPoint), v.path)
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: vault status %d", ErrProviderResponse, resp.StatusCode)
	}

	var result struct {
		Data struct {
			Data map[string]string `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderResponse, err)
	}

	value, ok := result.Data.Data[v.keyName]
	if !ok {
		return nil, fmt.Errorf("%w: key %q not present", ErrProviderResponse, v.keyName)
	}
	return decodeHexSeed(value)
}

var _ Provider = (*VaultProvider)(nil)
