// Package config loads runtime configuration for the ShinLine push services.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the registry server and the
// agent. Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir         string
	HTTPPort        int
	DBDSN           string // PostgreSQL DSN; empty selects the SQLite store in DataDir
	VAPIDPublicKey  string // application public key subscriptions are bound to
	VAPIDPrivateKey string // VAPID private key (server side only)
	VAPIDSubject    string // contact URI sent to push providers (mailto: or https:)
	FCMCredentials  string // path to Firebase service account JSON file
	JWTSecret       string // hex-encoded 32-byte secret for admin token signing
	RegistryURL     string // registry endpoint the agent syncs subscriptions to
	Scope           string // origin base URL the worker controls (agent side)
	CacheManifest   string // comma-separated asset URLs cached at worker install
	AnalyticsURL    string // dismissal beacon endpoint; empty disables the beacon
	TLSCert         string
	TLSKey          string
	ACMEDomain      string // domain for automatic Let's Encrypt certificate
	ACMEEmail       string // contact email for Let's Encrypt account notifications
	LogLevel        string
	LogFormat       string // "text" or "json"
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultHTTPPort  = 8080
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all ShinLine environment variables.
const envPrefix = "SHINLINE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("shinline", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the SQLite subscription store")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.DBDSN, "db-dsn", "", "PostgreSQL connection string (empty uses SQLite in data-dir)")
	fs.StringVar(&cfg.VAPIDPublicKey, "vapid-public-key", "", "VAPID public key subscriptions are bound to")
	fs.StringVar(&cfg.VAPIDPrivateKey, "vapid-private-key", "", "VAPID private key for web push sending")
	fs.StringVar(&cfg.VAPIDSubject, "vapid-subject", "", "contact URI sent to push providers (e.g. mailto:ops@shinline.ru)")
	fs.StringVar(&cfg.FCMCredentials, "fcm-credentials", "", "path to Firebase service account JSON file (or set GOOGLE_APPLICATION_CREDENTIALS)")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for admin token signing (auto-generated if empty)")
	fs.StringVar(&cfg.RegistryURL, "registry-url", "", "registry endpoint the agent mirrors subscriptions to")
	fs.StringVar(&cfg.Scope, "scope", "", "origin base URL the worker controls (agent side)")
	fs.StringVar(&cfg.CacheManifest, "cache-manifest", "", "comma-separated asset URLs cached at worker install")
	fs.StringVar(&cfg.AnalyticsURL, "analytics-url", "", "dismissal beacon endpoint (empty disables the beacon)")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.ACMEDomain, "acme-domain", "", "domain for automatic Let's Encrypt TLS certificate (e.g., push.shinline.ru)")
	fs.StringVar(&cfg.ACMEEmail, "acme-email", "", "contact email for Let's Encrypt account notifications")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the
	// command line. CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":          envPrefix + "DATA_DIR",
		"http-port":         envPrefix + "HTTP_PORT",
		"db-dsn":            envPrefix + "DB_DSN",
		"vapid-public-key":  envPrefix + "VAPID_PUBLIC_KEY",
		"vapid-private-key": envPrefix + "VAPID_PRIVATE_KEY",
		"vapid-subject":     envPrefix + "VAPID_SUBJECT",
		"fcm-credentials":   envPrefix + "FCM_CREDENTIALS",
		"jwt-secret":        envPrefix + "JWT_SECRET",
		"registry-url":      envPrefix + "REGISTRY_URL",
		"scope":             envPrefix + "SCOPE",
		"cache-manifest":    envPrefix + "CACHE_MANIFEST",
		"analytics-url":     envPrefix + "ANALYTICS_URL",
		"tls-cert":          envPrefix + "TLS_CERT",
		"tls-key":           envPrefix + "TLS_KEY",
		"acme-domain":       envPrefix + "ACME_DOMAIN",
		"acme-email":        envPrefix + "ACME_EMAIL",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "db-dsn":
			cfg.DBDSN = val
		case "vapid-public-key":
			cfg.VAPIDPublicKey = val
		case "vapid-private-key":
			cfg.VAPIDPrivateKey = val
		case "vapid-subject":
			cfg.VAPIDSubject = val
		case "fcm-credentials":
			cfg.FCMCredentials = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "registry-url":
			cfg.RegistryURL = val
		case "scope":
			cfg.Scope = val
		case "cache-manifest":
			cfg.CacheManifest = val
		case "analytics-url":
			cfg.AnalyticsURL = val
		case "tls-cert":
			cfg.TLSCert = val
		case "tls-key":
			cfg.TLSKey = val
		case "acme-domain":
			cfg.ACMEDomain = val
		case "acme-email":
			cfg.ACMEEmail = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	// ACME domain and manual TLS cert/key are mutually exclusive.
	if c.ACMEDomain != "" && c.TLSCert != "" {
		return fmt.Errorf("acme-domain and tls-cert/tls-key are mutually exclusive")
	}

	// A VAPID key pair must be complete.
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("vapid-public-key and vapid-private-key must both be provided or both be omitted")
	}

	return nil
}

// TLSEnabled returns true if either manual TLS certificates or automatic
// ACME (Let's Encrypt) certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" || c.ACMEDomain != ""
}

// ManifestURLs returns the parsed cache manifest.
func (c *Config) ManifestURLs() []string {
	if c.CacheManifest == "" {
		return nil
	}
	parts := strings.Split(c.CacheManifest, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			urls = append(urls, p)
		}
	}
	return urls
}

// JWTSecretBytes returns the decoded 32-byte admin token signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
