package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config captures all runtime configuration. Values come from an optional YAML
// file named by CONFIG_FILE and are overridden by environment variables.
type Config struct {
	Port                string `yaml:"port"`
	AuthToken           string `yaml:"authToken"`
	LogLevel            string `yaml:"logLevel"`
	StoreDriver         string `yaml:"storeDriver"`
	DBURL               string `yaml:"dbUrl"`
	IdentityURL         string `yaml:"identityUrl"`
	IdentityAPIKey      string `yaml:"identityApiKey"`
	IdentityTimeoutSecs int    `yaml:"identityTimeoutSecs"`
	ReadTimeoutSecs     int    `yaml:"readTimeoutSecs"`
	WriteTimeoutSecs    int    `yaml:"writeTimeoutSecs"`
	IdleTimeoutSecs     int    `yaml:"idleTimeoutSecs"`
	DBMaxConns          int    `yaml:"dbMaxConns"`
	DBMinConns          int    `yaml:"dbMinConns"`
	DBMaxIdleSecs       int    `yaml:"dbMaxIdleSecs"`
	DBMaxLifeSecs       int    `yaml:"dbMaxLifeSecs"`
	DBConnTimeoutSecs   int    `yaml:"dbConnTimeoutSecs"`
	DBStatementCache    int    `yaml:"dbStatementCache"`
	TxMaxAttempts       int    `yaml:"txMaxAttempts"`
	RatingRateLimit     int    `yaml:"ratingRateLimit"`
	RatingRateBurst     int    `yaml:"ratingRateBurst"`
	KafkaBrokers        string `yaml:"kafkaBrokers"`
	KafkaTopic          string `yaml:"kafkaTopic"`
}

func defaults() Config {
	return Config{
		Port:                "8080",
		LogLevel:            "info",
		StoreDriver:         DriverPostgres,
		IdentityTimeoutSecs: 5,
		ReadTimeoutSecs:     15,
		WriteTimeoutSecs:    15,
		IdleTimeoutSecs:     60,
		DBMaxConns:          20,
		DBMinConns:          2,
		DBMaxIdleSecs:       300,
		DBMaxLifeSecs:       3600,
		DBConnTimeoutSecs:   10,
		DBStatementCache:    256,
		TxMaxAttempts:       5,
		RatingRateLimit:     5,
		RatingRateBurst:     10,
		KafkaTopic:          "user-ratings",
	}
}

// Load reads configuration, applying defaults and validation.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg = Config{
		Port:                getEnv("PORT", cfg.Port),
		AuthToken:           getEnv("AUTH_TOKEN", cfg.AuthToken),
		LogLevel:            getEnv("LOG_LEVEL", cfg.LogLevel),
		StoreDriver:         getEnv("STORE_DRIVER", cfg.StoreDriver),
		DBURL:               getEnv("DB_URL", cfg.DBURL),
		IdentityURL:         getEnv("IDENTITY_URL", cfg.IdentityURL),
		IdentityAPIKey:      getEnv("IDENTITY_API_KEY", cfg.IdentityAPIKey),
		IdentityTimeoutSecs: getEnvInt("IDENTITY_TIMEOUT_SECS", cfg.IdentityTimeoutSecs),
		ReadTimeoutSecs:     getEnvInt("SERVER_READ_TIMEOUT", cfg.ReadTimeoutSecs),
		WriteTimeoutSecs:    getEnvInt("SERVER_WRITE_TIMEOUT", cfg.WriteTimeoutSecs),
		IdleTimeoutSecs:     getEnvInt("SERVER_IDLE_TIMEOUT", cfg.IdleTimeoutSecs),
		DBMaxConns:          getEnvInt("DB_MAX_CONNS", cfg.DBMaxConns),
		DBMinConns:          getEnvInt("DB_MIN_CONNS", cfg.DBMinConns),
		DBMaxIdleSecs:       getEnvInt("DB_MAX_CONN_IDLE_SECS", cfg.DBMaxIdleSecs),
		DBMaxLifeSecs:       getEnvInt("DB_MAX_CONN_LIFETIME_SECS", cfg.DBMaxLifeSecs),
		DBConnTimeoutSecs:   getEnvInt("DB_CONN_TIMEOUT_SECS", cfg.DBConnTimeoutSecs),
		DBStatementCache:    getEnvInt("DB_STATEMENT_CACHE_CAPACITY", cfg.DBStatementCache),
		TxMaxAttempts:       getEnvInt("RATING_TX_MAX_ATTEMPTS", cfg.TxMaxAttempts),
		RatingRateLimit:     getEnvInt("RATING_RATE_LIMIT", cfg.RatingRateLimit),
		RatingRateBurst:     getEnvInt("RATING_RATE_BURST", cfg.RatingRateBurst),
		KafkaBrokers:        getEnv("KAFKA_BROKERS", cfg.KafkaBrokers),
		KafkaTopic:          getEnv("KAFKA_TOPIC", cfg.KafkaTopic),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required")
	}
	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBURL == "" {
			return fmt.Errorf("DB_URL is required")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q", DriverPostgres, DriverMemory)
	}
	if cfg.IdentityURL != "" && cfg.IdentityAPIKey == "" {
		return fmt.Errorf("IDENTITY_API_KEY is required when IDENTITY_URL is set")
	}
	if cfg.IdentityTimeoutSecs <= 0 {
		return fmt.Errorf("IDENTITY_TIMEOUT_SECS must be positive")
	}
	if cfg.DBMaxConns <= 0 {
		return fmt.Errorf("DB_MAX_CONNS must be positive")
	}
	if cfg.DBMinConns < 0 {
		return fmt.Errorf("DB_MIN_CONNS must be non-negative")
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS cannot exceed DB_MAX_CONNS")
	}
	if cfg.DBStatementCache < 0 {
		return fmt.Errorf("DB_STATEMENT_CACHE_CAPACITY must be non-negative")
	}
	if cfg.TxMaxAttempts <= 0 {
		return fmt.Errorf("RATING_TX_MAX_ATTEMPTS must be positive")
	}
	if cfg.RatingRateLimit <= 0 || cfg.RatingRateBurst <= 0 {
		return fmt.Errorf("RATING_RATE_LIMIT and RATING_RATE_BURST must be positive")
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}
