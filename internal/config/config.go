// Package config provides configuration loading and validation.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Config holds the server configuration (spec §6 Environment).
type Config struct {
	// DatabaseURL points at the SQLite database file (or DSN).
	DatabaseURL string `toml:"database_url"`

	// ListenAddr is the address the HTTP server binds to.
	ListenAddr string `toml:"listen_addr"`

	// S3Bucket, S3Endpoint, S3Region are the blob store settings for profile
	// icons. The server stores blobs in a local directory named by S3Bucket
	// ("blobs" when empty); S3Endpoint and S3Region are loaded but not used.
	S3Bucket   string `toml:"s3_bucket"`
	S3Endpoint string `toml:"s3_endpoint"`
	S3Region   string `toml:"s3_region"`

	// VAPIDPublicKey and VAPIDPrivateKey sign outgoing Web Push messages.
	// Both are optional; when empty, push delivery is skipped rather than
	// failing the request that triggered it.
	VAPIDPublicKey  string `toml:"vapid_public_key"`
	VAPIDPrivateKey string `toml:"vapid_private_key"`

	// ServerHostname is this instance's federation identity: the domain
	// appended to bare (domain-less) user ids and used to recognize
	// "is this id ours" across auth, federation and push.
	ServerHostname string `toml:"server_hostname"`

	// FederationAllowHTTP permits plaintext http:// outbound federation
	// requests. Dev-only; production deployments resolve peers over https.
	FederationAllowHTTP bool `toml:"federation_allow_http"`

	// CacheDriver selects the backend for the DNS resolution cache: "memory"
	// (default) or "valkey" for multi-instance deployments. CacheSettings
	// carries the driver's own settings from the matching [cache_settings]
	// TOML table.
	CacheDriver   string         `toml:"cache_driver"`
	CacheSettings map[string]any `toml:"cache_settings"`
}

// ValkeyCacheSettings is the typed shape CacheSettings must decode into when
// CacheDriver is "valkey" (internal/cache/valkey.Config's TOML counterpart).
type ValkeyCacheSettings struct {
	Addr              string `mapstructure:"addr"`
	Password          string `mapstructure:"password"`
	DB                int    `mapstructure:"db"`
	DefaultTTLSeconds int    `mapstructure:"default_ttl_seconds"`
}

// DefaultConfig returns a Config with sensible defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		DatabaseURL:          "xrypton.db",
		ListenAddr:           ":9200",
		S3Bucket:             "",
		S3Endpoint:           "",
		S3Region:             "us-east-1",
		VAPIDPublicKey:       "",
		VAPIDPrivateKey:      "",
		ServerHostname:       "localhost",
		FederationAllowHTTP:  false,
		CacheDriver:          "memory",
	}
}

// Validate checks that required fields are present and internally
// consistent, failing fast the way the teacher's config validation does.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.ServerHostname == "" {
		return fmt.Errorf("server_hostname must not be empty")
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return fmt.Errorf("s3_region must be set when s3_bucket is set")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("vapid_public_key and vapid_private_key must both be set or both be empty")
	}
	if c.CacheDriver == "valkey" {
		var settings ValkeyCacheSettings
		if err := mapstructure.Decode(c.CacheSettings, &settings); err != nil {
			return fmt.Errorf("invalid cache_settings for valkey driver: %w", err)
		}
	}
	return nil
}
