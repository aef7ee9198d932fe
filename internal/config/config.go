package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServiceName string
	LogLevel    string

	// HTTPListenAddr is where the admission webhook listens; MetricsListenAddr
	// serves /metrics and /healthz for the controller.
	HTTPListenAddr    string
	MetricsListenAddr string

	// StoreBaseURL is the platform's internal policy API.
	StoreBaseURL string
	StoreToken   string

	RegistryPath string

	IPRangesURL    string
	ResolverTTL    time.Duration
	ResolveTimeout time.Duration

	ResyncInterval time.Duration
	MaxAttempts    int
	ApplyTimeout   time.Duration

	// StatusDatabaseURL is optional; without it outcomes are not persisted.
	StatusDatabaseURL string

	AuditDialTimeout time.Duration
	AuditS3Endpoint  string
	AuditS3Region    string
	AuditS3AccessKey string
	AuditS3SecretKey string
	AuditS3Bucket    string
}

func Load() (*Config, error) {
	// A local .env is a development convenience; absence is normal.
	_ = godotenv.Load()

	cfg := &Config{
		ServiceName:       getEnv("SERVICE_NAME", ""),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8443"),
		MetricsListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9090"),
		StoreBaseURL:      getEnv("STORE_BASE_URL", ""),
		StoreToken:        getEnv("STORE_TOKEN", ""),
		RegistryPath:      getEnv("SERVICE_REGISTRY_PATH", ""),
		IPRangesURL:       getEnv("IP_RANGES_URL", ""),
		StatusDatabaseURL: getEnv("STATUS_DATABASE_URL", ""),
		AuditS3Endpoint:   getEnv("AUDIT_S3_ENDPOINT", ""),
		AuditS3Region:     getEnv("AUDIT_S3_REGION", "us-east-1"),
		AuditS3AccessKey:  getEnv("AUDIT_S3_ACCESS_KEY", ""),
		AuditS3SecretKey:  getEnv("AUDIT_S3_SECRET_KEY", ""),
		AuditS3Bucket:     getEnv("AUDIT_S3_BUCKET", ""),
	}

	var err error
	if cfg.ResolverTTL, err = getDurationEnv("RESOLVER_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ResolveTimeout, err = getDurationEnv("RESOLVE_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.ResyncInterval, err = getDurationEnv("RESYNC_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.ApplyTimeout, err = getDurationEnv("APPLY_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.AuditDialTimeout, err = getDurationEnv("AUDIT_DIAL_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getIntEnv("RECONCILE_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the fields the named service actually needs.
func (c *Config) Validate(service string) error {
	switch service {
	case "egress-controller", "egress-audit":
		if c.StoreBaseURL == "" {
			return fmt.Errorf("STORE_BASE_URL is required for %s", service)
		}
	case "egress-webhook":
		if c.HTTPListenAddr == "" {
			return fmt.Errorf("HTTP_LISTEN_ADDR is required for %s", service)
		}
	}
	if c.AuditS3Bucket != "" && (c.AuditS3Endpoint == "" || c.AuditS3AccessKey == "" || c.AuditS3SecretKey == "") {
		return fmt.Errorf("AUDIT_S3_BUCKET requires AUDIT_S3_ENDPOINT, AUDIT_S3_ACCESS_KEY and AUDIT_S3_SECRET_KEY")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getIntEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
