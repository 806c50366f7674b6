package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// LoaderOptions controls how configuration is loaded.
type LoaderOptions struct {
	// ConfigPath is the path to a TOML config file (optional).
	// If provided but the file is missing or invalid, loading fails.
	ConfigPath string

	// Logger is used for warning messages (e.g., undecoded keys).
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// fileConfig mirrors Config with TOML tags; all fields are optional so an
// absent file (or an absent key within one) simply falls back to defaults.
type fileConfig struct {
	DatabaseURL         string `toml:"database_url"`
	ListenAddr          string `toml:"listen_addr"`
	S3Bucket            string `toml:"s3_bucket"`
	S3Endpoint          string `toml:"s3_endpoint"`
	S3Region            string `toml:"s3_region"`
	VAPIDPublicKey      string `toml:"vapid_public_key"`
	VAPIDPrivateKey     string `toml:"vapid_private_key"`
	ServerHostname      string         `toml:"server_hostname"`
	FederationAllowHTTP bool           `toml:"federation_allow_http"`
	CacheDriver         string         `toml:"cache_driver"`
	CacheSettings       map[string]any `toml:"cache_settings"`
}

// Load loads configuration with the following precedence:
//  1. Start from DefaultConfig()
//  2. Overlay a TOML config file, if ConfigPath is set
//  3. Overlay recognized environment variables (spec §6 Environment)
//  4. Validate
//
// If ConfigPath is provided but the file is missing, unreadable, or invalid
// TOML, Load returns an error (fail fast). Unknown/undecoded TOML keys
// produce a warning but do not fail the load.
func Load(opts LoaderOptions) (*Config, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cfg := DefaultConfig()

	if opts.ConfigPath != "" {
		data, err := os.ReadFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigPath, err)
		}
		var fc fileConfig
		md, err := toml.Decode(string(data), &fc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", opts.ConfigPath, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			logger.Warn("config file contains undecoded keys", "path", opts.ConfigPath, "keys", keys)
		}
		overlayFileConfig(cfg, &fc)
	}

	overlayEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayFileConfig(cfg *Config, fc *fileConfig) {
	if fc.DatabaseURL != "" {
		cfg.DatabaseURL = fc.DatabaseURL
	}
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.S3Bucket != "" {
		cfg.S3Bucket = fc.S3Bucket
	}
	if fc.S3Endpoint != "" {
		cfg.S3Endpoint = fc.S3Endpoint
	}
	if fc.S3Region != "" {
		cfg.S3Region = fc.S3Region
	}
	if fc.VAPIDPublicKey != "" {
		cfg.VAPIDPublicKey = fc.VAPIDPublicKey
	}
	if fc.VAPIDPrivateKey != "" {
		cfg.VAPIDPrivateKey = fc.VAPIDPrivateKey
	}
	if fc.ServerHostname != "" {
		cfg.ServerHostname = fc.ServerHostname
	}
	cfg.FederationAllowHTTP = fc.FederationAllowHTTP
	if fc.CacheDriver != "" {
		cfg.CacheDriver = fc.CacheDriver
	}
	if fc.CacheSettings != nil {
		cfg.CacheSettings = fc.CacheSettings
	}
}

// overlayEnv applies the spec §6 environment variables on top of cfg,
// taking precedence over both defaults and the config file.
func overlayEnv(cfg *Config) {
	if v, ok := os.LookupEnv("DATABASE_URL"); ok && v != "" {
		cfg.DatabaseURL = v
	}
	if v, ok := os.LookupEnv("LISTEN_ADDR"); ok && v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("S3_BUCKET"); ok && v != "" {
		cfg.S3Bucket = v
	}
	if v, ok := os.LookupEnv("S3_ENDPOINT"); ok && v != "" {
		cfg.S3Endpoint = v
	}
	if v, ok := os.LookupEnv("S3_REGION"); ok && v != "" {
		cfg.S3Region = v
	}
	if v, ok := os.LookupEnv("VAPID_PUBLIC_KEY"); ok && v != "" {
		cfg.VAPIDPublicKey = v
	}
	if v, ok := os.LookupEnv("VAPID_PRIVATE_KEY"); ok && v != "" {
		cfg.VAPIDPrivateKey = v
	}
	if v, ok := os.LookupEnv("SERVER_HOSTNAME"); ok && v != "" {
		cfg.ServerHostname = v
	}
	if v, ok := os.LookupEnv("FEDERATION_ALLOW_HTTP"); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.FederationAllowHTTP = b
		}
	}
}
