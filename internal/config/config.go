package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration required by the API process.
// Values come from the environment, optionally seeded from a .env file.
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Calls CallsConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. Without a host the call start lock is disabled and
// the database unique index alone guards against duplicate sessions.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// CallsConfig tunes the call session lifecycle.
type CallsConfig struct {
	// InitialRejoinGrace is mirrored onto the appointment when a call starts.
	InitialRejoinGrace time.Duration
	// ReconnectWindow is how long a dropped participant may rejoin.
	ReconnectWindow time.Duration
	// SweepInterval controls the in-process expiry sweeper; 0 disables it.
	SweepInterval time.Duration
	// StartLockTTL bounds the per-appointment start lock held in Redis.
	StartLockTTL time.Duration
}

const (
	DefaultInitialRejoinGrace = 5 * time.Minute
	DefaultReconnectWindow    = 30 * time.Second
	DefaultSweepInterval      = time.Minute
	DefaultStartLockTTL       = 10 * time.Second
)

func Load() (Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "local")
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("CALL_INITIAL_REJOIN_GRACE", DefaultInitialRejoinGrace.String())
	v.SetDefault("CALL_RECONNECT_WINDOW", DefaultReconnectWindow.String())
	v.SetDefault("CALL_SWEEP_INTERVAL", DefaultSweepInterval.String())
	v.SetDefault("CALL_START_LOCK_TTL", DefaultStartLockTTL.String())

	// .env is optional; the process runner usually exports variables directly.
	_ = v.ReadInConfig()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	c := Config{}
	var parseErrs []error

	str := func(key string) string { return strings.TrimSpace(v.GetString(key)) }
	num := func(key string) int {
		n, err := parseInt(key, str(key))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return n
	}
	dur := func(key string) time.Duration {
		d, err := parseDuration(key, str(key))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return d
	}

	c.App.Env = str("APP_ENV")
	c.App.Port = num("APP_PORT")

	c.DB.Host = str("DB_HOST")
	c.DB.Port = num("DB_PORT")
	c.DB.User = str("DB_USER")
	c.DB.Password = v.GetString("DB_PASSWORD")
	c.DB.Name = str("DB_NAME")
	c.DB.SSLMode = str("DB_SSLMODE")

	c.Redis.Host = str("REDIS_HOST")
	if c.Redis.Host != "" {
		c.Redis.Port = num("REDIS_PORT")
	}
	c.Redis.Password = v.GetString("REDIS_PASSWORD")

	c.Auth.JWTSecret = v.GetString("JWT_SECRET")
	c.Auth.JWTIssuer = str("JWT_ISSUER")
	c.Auth.JWTAudience = str("JWT_AUDIENCE")
	c.Auth.AccessTokenTTL = dur("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = dur("JWT_REFRESH_TTL")

	c.Calls.InitialRejoinGrace = dur("CALL_INITIAL_REJOIN_GRACE")
	c.Calls.ReconnectWindow = dur("CALL_RECONNECT_WINDOW")
	c.Calls.SweepInterval = dur("CALL_SWEEP_INTERVAL")
	c.Calls.StartLockTTL = dur("CALL_START_LOCK_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required fields and fills environment-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Calls.InitialRejoinGrace <= 0 {
		c.Calls.InitialRejoinGrace = DefaultInitialRejoinGrace
	}
	if c.Calls.ReconnectWindow <= 0 {
		c.Calls.ReconnectWindow = DefaultReconnectWindow
	}
	if c.Calls.SweepInterval < 0 {
		errs = append(errs, fmt.Errorf("CALL_SWEEP_INTERVAL must not be negative, got %s", c.Calls.SweepInterval))
	}
	if c.Calls.StartLockTTL <= 0 {
		c.Calls.StartLockTTL = DefaultStartLockTTL
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// AllowsDevTokens reports whether the unauthenticated token endpoint may be mounted.
func (c Config) AllowsDevTokens() bool {
	return c.App.Env == "local" || c.App.Env == "dev"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func parseInt(key, v string) (int, error) {
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
