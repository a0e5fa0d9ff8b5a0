package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env       string
	HTTPAddr  string // gateway-service
	AdminAddr string // admin-api-service
	LogLevel  string

	// Vault
	VaultMasterKey      string
	VaultInsecureDevKey bool

	// Storage
	RedisURL           string
	DatabaseURL        string
	DBMaxConns         int
	RedisPoolSize      int
	TenantSeedFile     string
	CredentialCacheTTL time.Duration

	// Token manager
	TokenSafetyMargin   time.Duration
	TokenDefaultTTL     time.Duration
	TokenHTTPTimeout    time.Duration
	TokenCacheRetention time.Duration

	// Upstream calls
	UpstreamTimeout    time.Duration
	UpstreamRatePerSec float64
	UpstreamBurst      int
	ServicesPath       string
	SOAPNamespaceBase  string
	QueryPolicyFile    string

	// Caller auth (query API)
	Issuer   string
	Audience string
	JWKSURL  string

	// Admin auth
	AdminIssuer   string
	AdminAudience string
	AdminJWKSURL  string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                 env("QUERYGATE_ENV", "dev"),
		HTTPAddr:            env("QUERYGATE_HTTP_ADDR", ":8080"),
		AdminAddr:           env("ADMIN_HTTP_ADDR", ":8082"),
		LogLevel:            env("LOG_LEVEL", "info"),
		VaultMasterKey:      env("VAULT_MASTER_KEY", ""),
		VaultInsecureDevKey: envBool("VAULT_INSECURE_DEV_KEY", false),
		RedisURL:            env("REDIS_URL", ""),
		DatabaseURL:         env("DATABASE_URL", ""),
		DBMaxConns:          envInt("DB_MAX_CONNS", 10),
		RedisPoolSize:       envInt("REDIS_POOL_SIZE", 0),
		TenantSeedFile:      env("TENANT_SEED_FILE", ""),
		CredentialCacheTTL:  envDur("CREDENTIAL_CACHE_TTL_SEC", 30) * time.Second,
		TokenSafetyMargin:   envDur("TOKEN_SAFETY_MARGIN_SEC", 60) * time.Second,
		TokenDefaultTTL:     envDur("TOKEN_DEFAULT_TTL_SEC", 300) * time.Second,
		TokenHTTPTimeout:    envDur("TOKEN_HTTP_TIMEOUT_SEC", 15) * time.Second,
		TokenCacheRetention: envDur("TOKEN_CACHE_RETENTION_MIN", 1440) * time.Minute,
		UpstreamTimeout:     envDur("UPSTREAM_TIMEOUT_SEC", 30) * time.Second,
		UpstreamRatePerSec:  envFloat("UPSTREAM_RATE_PER_SEC", 0),
		UpstreamBurst:       envInt("UPSTREAM_BURST", 10),
		ServicesPath:        strings.Trim(env("SERVICES_PATH", "LN/lnapi"), "/"),
		SOAPNamespaceBase:   env("SOAP_NAMESPACE_BASE", "http://www.infor.com/businessinterface/"),
		QueryPolicyFile:     env("QUERY_POLICY_FILE", ""),
		Issuer:              env("OIDC_ISSUER", ""),
		Audience:            env("OIDC_AUDIENCE", "querygate"),
		JWKSURL:             env("JWKS_URL", ""),
		AdminIssuer:         env("ADMIN_OIDC_ISSUER", ""),
		AdminAudience:       env("ADMIN_OIDC_AUDIENCE", ""),
		AdminJWKSURL:        env("ADMIN_JWKS_URL", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set, using in-memory credential store")
	}
	return cfg
}

// IsProd reports whether the process runs in a deployed environment.
func (c Config) IsProd() bool {
	switch strings.ToLower(c.Env) {
	case "prod", "production":
		return true
	}
	return false
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
