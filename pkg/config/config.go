// Package config loads service settings from an optional YAML file, a .env
// file and environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"behavtrust/pkg/fusion"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	Biometrics BiometricsConfig `yaml:"biometrics"`
	IPTrust    IPTrustConfig    `yaml:"ip_trust"`
	Fusion     FusionConfig     `yaml:"fusion"`
	Policy     PolicyConfig     `yaml:"policy"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	FrontendURL    string   `yaml:"frontend_url"`
}

type DatabaseConfig struct {
	// DSN empty selects the in-memory stores.
	DSN            string `yaml:"dsn"`
	MaxConnections int    `yaml:"max_connections"`
	AutoMigrate    bool   `yaml:"auto_migrate"`
}

type RedisConfig struct {
	// Addr empty disables OTP persistence in Redis, distributed locks and
	// the notification stream.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	OTPTTL          time.Duration `yaml:"otp_ttl"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

type BiometricsConfig struct {
	MinSamplesRequired int           `yaml:"min_samples_required"`
	Incremental        bool          `yaml:"incremental"`
	MaxTrainingRows    int           `yaml:"max_training_rows"`
	IncludeSpread      bool          `yaml:"include_spread"`
	Nu                 float64       `yaml:"nu"`
	SVMWeight          float64       `yaml:"svm_weight"`
	ClusterWeight      float64       `yaml:"cluster_weight"`
	TrainInterval      time.Duration `yaml:"train_interval"`
	TrainWorkers       int           `yaml:"train_workers"`
}

type IPTrustConfig struct {
	AutoTrustThreshold int           `yaml:"auto_trust_threshold"`
	TokenTTL           time.Duration `yaml:"token_ttl"`
}

type FusionConfig struct {
	BiometricsWeight float64 `yaml:"biometrics_weight"`
	IPWeight         float64 `yaml:"ip_weight"`
}

type PolicyConfig struct {
	// RegoPath overrides the embedded threat-IP policy.
	RegoPath    string   `yaml:"rego_path"`
	DeniedCIDRs []string `yaml:"denied_cidrs"`
}

// RateLimitConfig bounds credential and OTP attempts per client IP.
// Attempts 0 disables limiting.
type RateLimitConfig struct {
	Attempts int           `yaml:"attempts"`
	Window   time.Duration `yaml:"window"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8000,
			AllowedOrigins: []string{"http://localhost:3000"},
			FrontendURL:    "http://localhost:3000",
		},
		Database: DatabaseConfig{MaxConnections: 25, AutoMigrate: true},
		Auth: AuthConfig{
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
			OTPTTL:          120 * time.Second,
		},
		SMTP: SMTPConfig{Host: "smtp.gmail.com", Port: 465},
		Biometrics: BiometricsConfig{
			MinSamplesRequired: 30,
			Incremental:        true,
			MaxTrainingRows:    2000,
			Nu:                 0.1,
			SVMWeight:          0.5,
			ClusterWeight:      0.5,
			TrainInterval:      2 * time.Minute,
			TrainWorkers:       4,
		},
		IPTrust:   IPTrustConfig{AutoTrustThreshold: 3, TokenTTL: 3 * time.Hour},
		Fusion:    FusionConfig{BiometricsWeight: 0.7, IPWeight: 0.3},
		RateLimit: RateLimitConfig{Attempts: 10, Window: time.Minute},
		Telemetry: TelemetryConfig{ServiceName: "behavauth"},
	}
}

// Load builds the configuration. path may be empty; otherwise the YAML file
// must exist. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("BEHAVTRUST_CONFIG")
	}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.int("PORT", &c.Server.Port)
	e.list("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	e.str("FRONTEND_BASE_URL", &c.Server.FrontendURL)

	e.str("DATABASE_URL", &c.Database.DSN)
	e.int("DB_MAX_CONNECTIONS", &c.Database.MaxConnections)
	e.bool("DB_AUTO_MIGRATE", &c.Database.AutoMigrate)

	if host, ok := lookup("REDIS_HOST"); ok && host != "" {
		port := "6379"
		if p, ok := lookup("REDIS_PORT"); ok && p != "" {
			port = p
		}
		c.Redis.Addr = host + ":" + port
	}
	e.str("REDIS_PASSWORD", &c.Redis.Password)
	e.int("REDIS_DB", &c.Redis.DB)

	e.str("JWT_SECRET_KEY", &c.Auth.JWTSecret)
	e.minutes("JWT_ACCESS_TTL_MIN", &c.Auth.AccessTokenTTL)
	e.days("JWT_REFRESH_TTL_DAYS", &c.Auth.RefreshTokenTTL)

	e.str("SMTP_HOST", &c.SMTP.Host)
	e.int("SMTP_PORT", &c.SMTP.Port)
	e.str("SENDER_EMAIL", &c.SMTP.Username)
	e.str("SENDER_PASSWORD", &c.SMTP.Password)
	if c.SMTP.From == "" {
		c.SMTP.From = c.SMTP.Username
	}

	e.int("MIN_SAMPLES_REQUIRED", &c.Biometrics.MinSamplesRequired)
	e.bool("INCREMENTAL_TRAINING_ENABLED", &c.Biometrics.Incremental)
	e.int("MAX_TRAINING_ROWS", &c.Biometrics.MaxTrainingRows)
	e.bool("INCLUDE_SPREAD_FEATURES", &c.Biometrics.IncludeSpread)
	e.float("SVM_WEIGHT", &c.Biometrics.SVMWeight)
	e.float("CLUSTER_WEIGHT", &c.Biometrics.ClusterWeight)

	e.int("AUTO_TRUST_THRESHOLD", &c.IPTrust.AutoTrustThreshold)

	e.float("BIOMETRICS_WEIGHT", &c.Fusion.BiometricsWeight)
	e.float("IP_WEIGHT", &c.Fusion.IPWeight)

	e.list("THREAT_IP_CIDRS", &c.Policy.DeniedCIDRs)
	e.int("LOGIN_RATE_LIMIT", &c.RateLimit.Attempts)
	e.minutes("LOGIN_RATE_WINDOW_MIN", &c.RateLimit.Window)
	e.str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	return errors.Join(e.errs...)
}

// FusionPolicy returns the configured fusion weights.
func (c *Config) FusionPolicy() fusion.Policy {
	return fusion.Policy{BiometricsWeight: c.Fusion.BiometricsWeight, IPWeight: c.Fusion.IPWeight}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Biometrics.MinSamplesRequired < 2 {
		errs = append(errs, fmt.Errorf("biometrics.min_samples_required must be at least 2"))
	}
	if c.Biometrics.MaxTrainingRows != 0 && c.Biometrics.MaxTrainingRows < c.Biometrics.MinSamplesRequired {
		errs = append(errs, fmt.Errorf("biometrics.max_training_rows must be 0 or >= min_samples_required"))
	}
	if c.Biometrics.Nu <= 0 || c.Biometrics.Nu > 1 {
		errs = append(errs, fmt.Errorf("biometrics.nu must be in (0, 1]"))
	}
	if c.Biometrics.SVMWeight < 0 || c.Biometrics.ClusterWeight < 0 {
		errs = append(errs, fmt.Errorf("biometrics weights must be non-negative"))
	}
	if c.IPTrust.AutoTrustThreshold < 1 {
		errs = append(errs, fmt.Errorf("ip_trust.auto_trust_threshold must be at least 1"))
	}
	if c.IPTrust.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("ip_trust.token_ttl must be positive"))
	}
	if err := c.FusionPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.RateLimit.Attempts < 0 || (c.RateLimit.Attempts > 0 && c.RateLimit.Window <= 0) {
		errs = append(errs, fmt.Errorf("rate_limit needs attempts >= 0 and a positive window"))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 16 bytes"))
	}
	return errors.Join(errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) minutes(key string, dst *time.Duration) {
	n := -1
	e.int(key, &n)
	if n >= 0 {
		*dst = time.Duration(n) * time.Minute
	}
}

func (e *envReader) days(key string, dst *time.Duration) {
	n := -1
	e.int(key, &n)
	if n >= 0 {
		*dst = time.Duration(n) * 24 * time.Hour
	}
}
