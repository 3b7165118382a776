package config

// Environment variables that override file values.
const (
	EnvKeyProvider = "LOCKBOX_KEY_PROVIDER"
	EnvSeedFile    = "LOCKBOX_SEED_FILEPATH"
	EnvDataDir     = "LOCKBOX_DATA_DIR"
	EnvLogLevel    = "LOCKBOX_LOG_LEVEL"

	EnvHashicorpContainerURL        = "HASHICORP_CONTAINER_URL"
	EnvHashicorpContainerToken      = "HASHICORP_CONTAINER_TOKEN"
	EnvHashicorpContainerMountPoint = "HASHICORP_CONTAINER_MOUNT_POINT"
	EnvHashicorpContainerPath       = "HASHICORP_CONTAINER_PATH"
	EnvHashicorpContainerKeyName    = "HASHICORP_CONTAINER_KEY_NAME"

	EnvHashicorpAPIClientID       = "HASHICORP_API_HCP_CLIENT_ID"
	EnvHashicorpAPIClientSecret   = "HASHICORP_API_HCP_CLIENT_SECRET"
	EnvHashicorpAPIOrganizationID = "HASHICORP_API_ORGANIZATION_ID"
	EnvHashicorpAPIProjectID      = "HASHICORP_API_PROJECT_ID"
	EnvHashicorpAPIAppName        = "HASHICORP_API_APP_NAME"
	EnvHashicorpAPISecretName     = "HASHICORP_API_SECRET_NAME"

	EnvGCloudProjectID     = "LOCKBOX_GCLOUD_PROJECT_ID"
	EnvGCloudProjectNumber = "LOCKBOX_GCLOUD_PROJECT_NUMBER"
	EnvGCloudLocationID    = "LOCKBOX_GCLOUD_LOCATION_ID"
	EnvGCloudKeyRing       = "LOCKBOX_GCLOUD_KMS_RING"
	EnvGCloudCryptoKey     = "LOCKBOX_GCLOUD_CRYPTO_KEY"
	EnvGCloudSecretName    = "LOCKBOX_GCLOUD_SECRET_MANAGER_KEY_NAME"
	EnvGCloudSecretVersion = "LOCKBOX_GCLOUD_SECRET_MANAGER_KEY_VERSION"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields with any non-empty environment values.
func (c *Config) ApplyEnv(lookup LookupFunc) {
	overrides := []struct {
		env string
		dst *string
	}{
		{EnvSeedFile, &c.SeedFile},
		{EnvDataDir, &c.Storage.DataDir},
		{EnvLogLevel, &c.Logging.Level},

		{EnvHashicorpContainerURL, &c.HashicorpContainer.URL},
		{EnvHashicorpContainerToken, &c.HashicorpContainer.Token},
		{EnvHashicorpContainerMountPoint, &c.HashicorpContainer.MountPoint},
		{EnvHashicorpContainerPath, &c.HashicorpContainer.Path},
		{EnvHashicorpContainerKeyName, &c.HashicorpContainer.KeyName},

		{EnvHashicorpAPIClientID, &c.HashicorpAPI.ClientID},
		{EnvHashicorpAPIClientSecret, &c.HashicorpAPI.ClientSecret},
		{EnvHashicorpAPIOrganizationID, &c.HashicorpAPI.OrganizationID},
		{EnvHashicorpAPIProjectID, &c.HashicorpAPI.ProjectID},
		{EnvHashicorpAPIAppName, &c.HashicorpAPI.AppName},
		{EnvHashicorpAPISecretName, &c.HashicorpAPI.SecretName},

		{EnvGCloudProjectID, &c.GoogleKMS.ProjectID},
		{EnvGCloudProjectNumber, &c.GoogleKMS.ProjectNumber},
		{EnvGCloudLocationID, &c.GoogleKMS.LocationID},
		{EnvGCloudKeyRing, &c.GoogleKMS.KeyRing},
		{EnvGCloudCryptoKey, &c.GoogleKMS.CryptoKey},
		{EnvGCloudSecretName, &c.GoogleKMS.SecretName},
		{EnvGCloudSecretVersion, &c.GoogleKMS.SecretVersion},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.env); ok && v != "" {
			*o.dst = v
		}
	}
	if v, ok := lookup(EnvKeyProvider); ok && v != "" {
		c.KeyProvider = KeyProvider(v)
	}
}
