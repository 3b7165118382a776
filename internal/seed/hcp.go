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

// HCP endpoints.
const (
	DefaultHCPAuthURL = "https://auth.idp.hashicorp.com/oauth2/token"
	DefaultHCPAPIURL  = "https://api.cloud.hashicorp.com"
	hcpAudience       = "https://api.hashicorp.cloud"
	hcpSecretsVersion = "2023-11-28"
)

// HCPProvider reads a hex seed from HCP Vault Secrets.
type HCPProvider struct {
	cfg        config.HashicorpAPIConfig
	authURL    string
	apiURL     string
	httpClient *http.Client
}

// NewHCPProvider creates a provider using OAuth client credentials.
func NewHCPProvider(cfg config.HashicorpAPIConfig) *HCPProvider {
	return &HCPProvider{
		cfg:        cfg,
		authURL:    DefaultHCPAuthURL,
		apiURL:     DefaultHCPAPIURL,
		httpClient: newHTTPClient(),
	}
}

// Name returns "hashicorp_api".
func (h *HCPProvider) Name() string {
	return string(config.KeyProviderHashicorpAPI)
}

// Seed exchanges the client credentials for a token and opens the secret.
func (h *HCPProvider) Seed(ctx context.Context) ([]byte, error) {
	token, err := h.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/secrets/%s/organizations/%s/projects/%s/apps/%s/secrets/%s:open",
		hcpSecretsVersion,
		url.PathEscape(h.cfg.OrganizationID),
		url.PathEscape(h.cfg.ProjectID),
		url.PathEscape(h.cfg.AppName),
		url.PathEscape(h.cfg.SecretName),
	)
	req, err := http.NewRequestWithContext(ctx, "GET", strings.TrimSuffix(h.apiURL, "/")+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var result struct {
		Secret struct {
			StaticVersion struct {
				Value string `json:"value"`
			} `json:"static_version"`
		} `json:"secret"`
	}
	if err := h.do(req, &result); err != nil {
		return nil, err
	}
	if result.Secret.StaticVersion.Value == "" {
		return nil, fmt.Errorf("%w: secret has no static value", ErrProviderResponse)
	}
	return decodeHexSeed(result.Secret.StaticVersion.Value)
}

func (h *HCPProvider) accessToken(ctx context.Context) (string, error) {
	form := url.Values{
		"client_id":     {h.cfg.ClientID},
		"client_secret": {h.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
		"audience":      {hcpAudience},
	}
	req, err := http.NewRequestWithContext(ctx, "POST", h.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := h.do(req, &result); err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("%w: no access_token in token response", ErrProviderResponse)
	}
	return result.AccessToken, nil
}

// do sends req and decodes a JSON body. Error bodies are not echoed since
// they may contain credentials.
func (h *HCPProvider) do(req *http.Request, result interface{}) error {
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hcp request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d", ErrProviderResponse, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderResponse, err)
	}
	return nil
}

var _ Provider = (*HCPProvider)(nil)
