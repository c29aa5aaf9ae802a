// Package config loads service configuration.
//
// Values are layered: built-in defaults, then an optional YAML file (CMV_CONFIG
// or --config), then environment variables, then command-line flags.
package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"cmv.health/internal/auth"
	"cmv.health/internal/httpapi"
)

// Config is shared by every service binary. Each binary uses the subset it needs.
type Config struct {
	Environment string `yaml:"environment"`
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	LogLevel    string `yaml:"log_level"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	Auth     AuthConfig          `yaml:"auth"`
	Password auth.PasswordPolicy `yaml:"password"`
	Services UpstreamConfig      `yaml:"services"`

	// StoreTimeout bounds every session and credential store call.
	StoreTimeout time.Duration `yaml:"store_timeout"`

	LoginRatePerSecond float64 `yaml:"login_rate_per_second"`
	LoginBurst         int     `yaml:"login_burst"`

	// TrustedProxies are the CIDRs whose X-Forwarded-For is believed.
	// Empty means every client is identified by its TCP peer.
	TrustedProxies []string `yaml:"trusted_proxies"`

	UploadDir    string     `yaml:"upload_dir"`
	Blob         BlobConfig `yaml:"blob"`
	FixturesFile string     `yaml:"fixtures_file"`
}

// BlobConfig controls how uploaded documents are stored at rest.
type BlobConfig struct {
	Compress bool `yaml:"compress"`
	// EncryptionKey is hex-encoded, 32 bytes. Empty stores documents unencrypted.
	EncryptionKey string `yaml:"encryption_key"`
	MaxUploadSize int64  `yaml:"max_upload_size"`
}

// BlobKey decodes the at-rest encryption key, or returns nil if none is set.
func (b BlobConfig) BlobKey() ([]byte, error) {
	if b.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(b.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("BLOB_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("BLOB_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

type AuthConfig struct {
	SecretKey        string        `yaml:"secret_key"`
	Algorithm        string        `yaml:"algorithm"`
	AccessMaxAge     time.Duration `yaml:"access_max_age"`
	RefreshMaxAge    time.Duration `yaml:"refresh_max_age"`
	SessionTTL       time.Duration `yaml:"session_ttl"`
	InternalTokenTTL time.Duration `yaml:"internal_token_ttl"`
	TrustedSources   []string      `yaml:"trusted_sources"`
}

// UpstreamConfig holds the base URLs the gateway forwards to.
type UpstreamConfig struct {
	Patients string `yaml:"patients"`
	Chambres string `yaml:"chambres"`
	Home     string `yaml:"home"`
}

// Dev reports whether the service runs in development mode.
func (c Config) Dev() bool {
	switch strings.ToLower(c.Environment) {
	case "dev", "development", "test":
		return true
	}
	return false
}

// CookieSecure is false only in development, where TLS is usually absent.
func (c Config) CookieSecure() bool { return !c.Dev() }

// Defaults returns the configuration for a service before any overrides.
func Defaults(service string) Config {
	cfg := Config{
		Environment: "production",
		HTTPAddr:    ":8000",
		LogLevel:    "info",
		Auth: AuthConfig{
			Algorithm:        "HS256",
			AccessMaxAge:     15 * time.Minute,
			RefreshMaxAge:    24 * time.Hour,
			SessionTTL:       time.Hour,
			InternalTokenTTL: 15 * time.Second,
			TrustedSources:   []string{auth.DefaultSource},
		},
		Password:           auth.BasicPasswordPolicy(),
		StoreTimeout:       500 * time.Millisecond,
		LoginRatePerSecond: 1,
		LoginBurst:         5,
		UploadDir:          "./data/documents",
		Blob: BlobConfig{
			Compress:      true,
			MaxUploadSize: 10 << 20,
		},
	}
	switch service {
	case "gateway":
		cfg.Password = auth.StrictPasswordPolicy()
	case "rooms":
		cfg.HTTPAddr = ":8001"
	case "patients":
		cfg.HTTPAddr = ":8002"
	case "home":
		cfg.HTTPAddr = ":8003"
	}
	return cfg
}

// Load builds the configuration for service from file, environment and args.
func Load(service string, args []string) (Config, error) {
	fs := pflag.NewFlagSet(service, pflag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("CMV_CONFIG"), "path to a YAML configuration file")
	var fl flagValues
	fl.bind(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Defaults(service)
	if *configPath != "" {
		if err := loadFile(*configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	fl.apply(fs, &cfg)
	if err := cfg.Validate(service); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file leaves the defaults in place.
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	minutes := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				errs = append(errs, fmt.Errorf("%s must be a positive number of minutes", key))
				return
			}
			*dst = time.Duration(n) * time.Minute
		}
	}
	seconds := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				errs = append(errs, fmt.Errorf("%s must be a positive number of seconds", key))
				return
			}
			*dst = time.Duration(n) * time.Second
		}
	}

	str("ENVIRONMENT", &cfg.Environment)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("GRPC_ADDR", &cfg.GRPCAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("REDIS_URL", &cfg.RedisURL)
	str("SECRET_KEY", &cfg.Auth.SecretKey)
	str("ALGORITHM", &cfg.Auth.Algorithm)
	str("PATIENTS_SERVICE", &cfg.Services.Patients)
	str("CHAMBRES_SERVICE", &cfg.Services.Chambres)
	str("HOME_SERVICE", &cfg.Services.Home)
	str("UPLOAD_DIR", &cfg.UploadDir)
	str("FIXTURES_FILE", &cfg.FixturesFile)
	str("BLOB_ENCRYPTION_KEY", &cfg.Blob.EncryptionKey)
	minutes("ACCESS_MAX_AGE", &cfg.Auth.AccessMaxAge)
	minutes("REFRESH_MAX_AGE", &cfg.Auth.RefreshMaxAge)
	seconds("SESSION_TTL_SEC", &cfg.Auth.SessionTTL)
	seconds("INTERNAL_TOKEN_TTL_SEC", &cfg.Auth.InternalTokenTTL)

	if v, ok := lookup("STORE_TIMEOUT_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, errors.New("STORE_TIMEOUT_MS must be a positive integer"))
		} else {
			cfg.StoreTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v, ok := lookup("PASSWORD_MIN_LENGTH"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, errors.New("PASSWORD_MIN_LENGTH must be a positive integer"))
		} else {
			cfg.Password.MinLength = n
		}
	}
	if v, ok := lookup("PASSWORD_REQUIRE_SYMBOL"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, errors.New("PASSWORD_REQUIRE_SYMBOL must be a boolean"))
		} else {
			cfg.Password.RequireSymbol = b
		}
	}
	if v, ok := lookup("BLOB_COMPRESS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, errors.New("BLOB_COMPRESS must be a boolean"))
		} else {
			cfg.Blob.Compress = b
		}
	}
	if v, ok := lookup("MAX_UPLOAD_SIZE"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			errs = append(errs, errors.New("MAX_UPLOAD_SIZE must be a positive number of bytes"))
		} else {
			cfg.Blob.MaxUploadSize = n
		}
	}
	if v, ok := lookup("TRUSTED_SOURCES"); ok && v != "" {
		cfg.Auth.TrustedSources = splitList(v)
	}
	if v, ok := lookup("TRUSTED_PROXIES"); ok && v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// flagValues mirrors the overridable settings on the command line.
type flagValues struct {
	httpAddr, grpcAddr, logLevel, databaseURL, redisURL, environment *string
}

func (f *flagValues) bind(fs *pflag.FlagSet) {
	f.httpAddr = fs.String("http-addr", "", "HTTP listen address")
	f.grpcAddr = fs.String("grpc-addr", "", "gRPC health listen address (empty disables)")
	f.logLevel = fs.String("log-level", "", "log level: debug, info, warn, error")
	f.databaseURL = fs.String("database-url", "", "PostgreSQL DSN")
	f.redisURL = fs.String("redis-url", "", "Redis URL for the session store")
	f.environment = fs.String("environment", "", "deployment environment (dev, production)")
}

func (f *flagValues) apply(fs *pflag.FlagSet, cfg *Config) {
	set := func(name string, src *string, dst *string) {
		if fs.Changed(name) {
			*dst = *src
		}
	}
	set("http-addr", f.httpAddr, &cfg.HTTPAddr)
	set("grpc-addr", f.grpcAddr, &cfg.GRPCAddr)
	set("log-level", f.logLevel, &cfg.LogLevel)
	set("database-url", f.databaseURL, &cfg.DatabaseURL)
	set("redis-url", f.redisURL, &cfg.RedisURL)
	set("environment", f.environment, &cfg.Environment)
}

// Proxies parses TRUSTED_PROXIES.
func (c Config) Proxies() (httpapi.TrustedProxies, error) {
	tp, err := httpapi.ParseTrustedProxies(c.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	return tp, nil
}

// Validate checks the settings service depends on. Errors name the offending key.
func (c Config) Validate(service string) error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR must not be empty"))
	}
	if c.Auth.SecretKey == "" {
		errs = append(errs, errors.New("SECRET_KEY must not be empty"))
	}
	switch c.Auth.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Errorf("ALGORITHM %q is not supported", c.Auth.Algorithm))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT_MS must be > 0"))
	}
	if c.Password.MinLength < 1 {
		errs = append(errs, errors.New("PASSWORD_MIN_LENGTH must be > 0"))
	}
	if len(c.Auth.TrustedSources) == 0 {
		errs = append(errs, errors.New("TRUSTED_SOURCES must not be empty"))
	}
	if _, err := c.Proxies(); err != nil {
		errs = append(errs, err)
	}
	if !c.Dev() && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL must not be empty outside development"))
	}
	switch service {
	case "gateway":
		if !c.Dev() && c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL must not be empty outside development"))
		}
		if c.Services.Patients == "" {
			errs = append(errs, errors.New("PATIENTS_SERVICE must not be empty"))
		}
		if c.Services.Chambres == "" {
			errs = append(errs, errors.New("CHAMBRES_SERVICE must not be empty"))
		}
		if c.Services.Home == "" {
			errs = append(errs, errors.New("HOME_SERVICE must not be empty"))
		}
		if c.LoginRatePerSecond <= 0 || c.LoginBurst < 1 {
			errs = append(errs, errors.New("login rate limit must be positive"))
		}
	case "patients":
		if c.UploadDir == "" {
			errs = append(errs, errors.New("UPLOAD_DIR must not be empty"))
		}
		if _, err := c.Blob.BlobKey(); err != nil {
			errs = append(errs, err)
		}
		if c.Blob.MaxUploadSize <= 0 {
			errs = append(errs, errors.New("MAX_UPLOAD_SIZE must be > 0"))
		}
	}
	return errors.Join(errs...)
}
