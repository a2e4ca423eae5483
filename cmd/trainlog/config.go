package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nkiryanov/trainlog/internal/logger"
)

const (
	defaultListenAddr   = "localhost:8000"
	defaultLoggingLevel = logger.LevelInfo
	defaultEnvironment  = logger.EnvProd
	defaultAccessTTL    = 15 * time.Minute
	defaultRefreshTTL   = 24 * time.Hour
	defaultRefreshStore = RefreshStorePostgres
	defaultRedisAddr    = "localhost:6379"
	defaultSweepPeriod  = time.Hour
)

// Where refresh tokens are kept
const (
	RefreshStorePostgres = "postgres"
	RefreshStoreRedis    = "redis"
)

type Config struct {
	// Default logging level
	LogLevel string

	// Address on which the trainlog service will be run
	ListenAddr string

	// Database to connect to
	DatabaseDSN string

	// Environment (dev, prod)
	Environment string

	// Secrets to sign access and refresh tokens, must differ
	AccessSecret  string
	RefreshSecret string

	// Refresh tokens are encrypted with key derived from passphrase and salt
	RefreshPassphrase string
	RefreshSalt       string

	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// Put encrypted refresh token into access token, so only the latest login may be renewed
	EmbedRefreshReference bool

	// Send access cookie over https only
	SecureCookie bool

	// Refresh token storage: postgres or redis
	RefreshStore string
	RedisAddr    string

	// How often expired refresh tokens are deleted from postgres
	RefreshSweepInterval time.Duration
}

func NewConfig() *Config {
	return &Config{
		LogLevel:              defaultLoggingLevel,
		ListenAddr:            defaultListenAddr,
		Environment:           defaultEnvironment,
		AccessTTL:             defaultAccessTTL,
		RefreshTTL:            defaultRefreshTTL,
		EmbedRefreshReference: true,
		RefreshStore:          defaultRefreshStore,
		RedisAddr:             defaultRedisAddr,
		RefreshSweepInterval:  defaultSweepPeriod,
	}
}

// Load variable from '.env' file (should be located at working directory)
func (c *Config) LoadDotEnv(getwd func() (string, error)) error {
	wd, err := getwd()
	if err != nil {
		return err
	}

	envMap, err := godotenv.Read(filepath.Join(wd, ".env"))

	switch {
	case err == nil:
		return c.LoadEnv(func(key string) string {
			return envMap[key]
		})
	case errors.Is(err, os.ErrNotExist):
		return nil
	default:
		return err
	}
}

func (c *Config) LoadEnv(getenv func(string) string) error {
	// Set option to value if it not empty
	setString := func(o *string) func(value string) error {
		return func(value string) error {
			if value != "" {
				*o = value
			}
			return nil
		}
	}
	setDuration := func(o *time.Duration) func(value string) error {
		return func(value string) (err error) {
			if value != "" {
				*o, err = time.ParseDuration(value)
			}
			return err
		}
	}
	setBool := func(o *bool) func(value string) error {
		return func(value string) (err error) {
			if value != "" {
				*o, err = strconv.ParseBool(value)
			}
			return err
		}
	}

	envMap := map[string]func(string) error{
		"RUN_ADDRESS":              setString(&c.ListenAddr),
		"DATABASE_URI":             setString(&c.DatabaseDSN),
		"LOG_LEVEL":                setString(&c.LogLevel),
		"ENVIRONMENT":              setString(&c.Environment),
		"ACCESS_TOKEN_SECRET":      setString(&c.AccessSecret),
		"REFRESH_TOKEN_SECRET":     setString(&c.RefreshSecret),
		"REFRESH_TOKEN_PASSPHRASE": setString(&c.RefreshPassphrase),
		"REFRESH_TOKEN_SALT":       setString(&c.RefreshSalt),
		"ACCESS_TOKEN_TTL":         setDuration(&c.AccessTTL),
		"REFRESH_TOKEN_TTL":        setDuration(&c.RefreshTTL),
		"EMBED_REFRESH_REFERENCE":  setBool(&c.EmbedRefreshReference),
		"SECURE_COOKIE":            setBool(&c.SecureCookie),
		"REFRESH_STORE":            setString(&c.RefreshStore),
		"REDIS_ADDR":               setString(&c.RedisAddr),
		"REFRESH_SWEEP_INTERVAL":   setDuration(&c.RefreshSweepInterval),
	}

	for key, parseFn := range envMap {
		if err := parseFn(getenv(key)); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	return nil
}

func (c *Config) ParseFlags(args []string) error {
	fs := pflag.NewFlagSet("trainlog", pflag.ContinueOnError)

	fs.StringVarP(&c.ListenAddr, "address", "a", c.ListenAddr, "Server listen address")
	fs.StringVarP(&c.DatabaseDSN, "database", "d", c.DatabaseDSN, "Database connection string")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVarP(&c.Environment, "environment", "e", c.Environment, "Environment (dev, prod)")
	fs.StringVar(&c.AccessSecret, "access-secret", c.AccessSecret, "Secret to sign access tokens")
	fs.StringVar(&c.RefreshSecret, "refresh-secret", c.RefreshSecret, "Secret to sign refresh tokens")
	fs.StringVar(&c.RefreshPassphrase, "refresh-passphrase", c.RefreshPassphrase, "Passphrase to encrypt stored refresh tokens")
	fs.StringVar(&c.RefreshSalt, "refresh-salt", c.RefreshSalt, "Salt to encrypt stored refresh tokens")
	fs.DurationVar(&c.AccessTTL, "access-ttl", c.AccessTTL, "Access token lifetime")
	fs.DurationVar(&c.RefreshTTL, "refresh-ttl", c.RefreshTTL, "Refresh token lifetime")
	fs.BoolVar(&c.EmbedRefreshReference, "embed-refresh-reference", c.EmbedRefreshReference, "Bind access token to the latest refresh token")
	fs.BoolVar(&c.SecureCookie, "secure-cookie", c.SecureCookie, "Send access cookie over https only")
	fs.StringVar(&c.RefreshStore, "refresh-store", c.RefreshStore, "Refresh token storage (postgres, redis)")
	fs.StringVar(&c.RedisAddr, "redis", c.RedisAddr, "Redis address, used when refresh store is redis")
	fs.DurationVar(&c.RefreshSweepInterval, "refresh-sweep-interval", c.RefreshSweepInterval, "How often expired refresh tokens are deleted from postgres")

	return fs.Parse(args)
}

// Check options that have no sensible defaults
func (c *Config) Validate() error {
	var errs []error

	required := []struct {
		name  string
		value string
	}{
		{"database", c.DatabaseDSN},
		{"access secret", c.AccessSecret},
		{"refresh secret", c.RefreshSecret},
		{"refresh passphrase", c.RefreshPassphrase},
		{"refresh salt", c.RefreshSalt},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s must be set", r.name))
		}
	}

	if c.AccessSecret != "" && c.AccessSecret == c.RefreshSecret {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 || c.RefreshSweepInterval <= 0 {
		errs = append(errs, errors.New("token lifetimes and sweep interval must be positive"))
	}
	if c.RefreshTTL < c.AccessTTL {
		errs = append(errs, errors.New("refresh token must outlive access token"))
	}
	if c.RefreshStore != RefreshStorePostgres && c.RefreshStore != RefreshStoreRedis {
		errs = append(errs, fmt.Errorf("unknown refresh store %q", c.RefreshStore))
	}

	return errors.Join(errs...)
}
