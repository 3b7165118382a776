// Package config provides configuration for the lockbox signing service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config errors
var (
	ErrUnknownProvider = errors.New("unknown key provider")
	ErrMissingField    = errors.New("missing required configuration field")
)

// KeyProvider names a master seed backend.
type KeyProvider string

const (
	KeyProviderFilesystem         KeyProvider = "filesystem"
	KeyProviderHashicorpContainer KeyProvider = "hashicorp_container"
	KeyProviderHashicorpAPI       KeyProvider = "hashicorp_api"
	KeyProviderGoogleKMS          KeyProvider = "google_kms"
)

// Config holds all configuration for the lockbox.
type Config struct {
	// KeyProvider selects where the master seed comes from.
	KeyProvider KeyProvider `yaml:"key_provider"`

	// SeedFile is the seed path for the filesystem provider. Relative paths
	// are resolved against the data directory.
	SeedFile string `yaml:"seed_file"`

	HashicorpContainer HashicorpContainerConfig `yaml:"hashicorp_container"`
	HashicorpAPI       HashicorpAPIConfig       `yaml:"hashicorp_api"`
	GoogleKMS          GoogleKMSConfig          `yaml:"google_kms"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// HashicorpContainerConfig configures a self-hosted Vault KV v2 engine.
type HashicorpContainerConfig struct {
	URL        string `yaml:"url"`
	Token      string `yaml:"token"`
	MountPoint string `yaml:"mount_point"`
	Path       string `yaml:"path"`
	KeyName    string `yaml:"key_name"`
}

// HashicorpAPIConfig configures HCP Vault Secrets.
type HashicorpAPIConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	OrganizationID string `yaml:"organization_id"`
	ProjectID      string `yaml:"project_id"`
	AppName        string `yaml:"app_name"`
	SecretName     string `yaml:"secret_name"`
}

// GoogleKMSConfig configures a KMS-encrypted seed kept in Secret Manager.
type GoogleKMSConfig struct {
	ProjectID     string `yaml:"project_id"`
	ProjectNumber string `yaml:"project_number"`
	LocationID    string `yaml:"location_id"`
	KeyRing       string `yaml:"key_ring"`
	CryptoKey     string `yaml:"crypto_key"`
	SecretName    string `yaml:"secret_name"`
	// SecretVersion defaults to "1".
	SecretVersion string `yaml:"secret_version"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// DefaultDataDir is used when no data directory is given.
const DefaultDataDir = "~/.lockbox"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		KeyProvider: KeyProviderFilesystem,
		SeedFile:    "seed.bin",
		HashicorpContainer: HashicorpContainerConfig{
			URL:        "http://127.0.0.1:8200",
			MountPoint: "secret",
		},
		GoogleKMS: GoogleKMSConfig{
			SecretVersion: "1",
		},
		Storage: StorageConfig{
			DataDir: DefaultDataDir,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "lockbox.yaml"

// LoadConfig loads configuration from a YAML file in dataDir and applies
// environment overrides. If the file doesn't exist, it creates one with
// default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	cfg := DefaultConfig()
	cfg.Storage.DataDir = dataDir

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := []byte("# Lockbox Configuration\n# Generated automatically on first run\n# Environment variables override values in this file.\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// SeedPath returns the absolute seed file path.
func (c *Config) SeedPath() string {
	path := expandPath(c.SeedFile)
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(expandPath(c.Storage.DataDir), path)
}

// Validate checks that the selected key provider is fully configured.
func (c *Config) Validate() error {
	var required map[string]string
	switch c.KeyProvider {
	case KeyProviderFilesystem:
		required = map[string]string{"seed_file": c.SeedFile}
	case KeyProviderHashicorpContainer:
		h := c.HashicorpContainer
		required = map[string]string{
			"hashicorp_container.url":         h.URL,
			"hashicorp_container.token":       h.Token,
			"hashicorp_container.mount_point": h.MountPoint,
			"hashicorp_container.path":        h.Path,
			"hashicorp_container.key_name":    h.KeyName,
		}
	case KeyProviderHashicorpAPI:
		h := c.HashicorpAPI
		required = map[string]string{
			"hashicorp_api.client_id":       h.ClientID,
			"hashicorp_api.client_secret":   h.ClientSecret,
			"hashicorp_api.organization_id": h.OrganizationID,
			"hashicorp_api.project_id":      h.ProjectID,
			"hashicorp_api.app_name":        h.AppName,
			"hashicorp_api.secret_name":     h.SecretName,
		}
	case KeyProviderGoogleKMS:
		g := c.GoogleKMS
		required = map[string]string{
			"google_kms.project_id":     g.ProjectID,
			"google_kms.project_number": g.ProjectNumber,
			"google_kms.location_id":    g.LocationID,
			"google_kms.key_ring":       g.KeyRing,
			"google_kms.crypto_key":     g.CryptoKey,
			"google_kms.secret_name":    g.SecretName,
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.KeyProvider)
	}

	var missing []string
	for field, value := range required {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: %s", ErrMissingField, strings.Join(missing, ", "))
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("%w: storage.data_dir", ErrMissingField)
	}
	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
