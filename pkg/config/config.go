package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the decision engine.
type Config struct {
	Port string

	// Kite session
	KiteAPIKey      string
	AccessTokenPath string
	Exchange        string

	// Strategy parameters
	StrategyConfigPath string
	DryRun             bool

	// Feed / reconnection
	ConnectTimeout      time.Duration
	ReconnectMaxRetries int
	ReconnectMinDelay   time.Duration
	ReconnectMaxDelay   time.Duration
	SubscribeChunkSize  int
	SubscribeChunkPause time.Duration
	MarketTimezone      string

	// Persistence
	DBPath string

	// Control API auth
	JWTSecret   string
	OperatorKey string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:                getEnv("PORT", "8080"),
		KiteAPIKey:          os.Getenv("KITE_API_KEY"),
		AccessTokenPath:     getEnv("ACCESS_TOKEN_PATH", "./data/tokens.json"),
		Exchange:            getEnv("EXCHANGE", "NSE"),
		StrategyConfigPath:  getEnv("STRATEGY_CONFIG_PATH", "strategy.yaml"),
		DryRun:              getEnv("DRY_RUN", "true") == "true",
		ConnectTimeout:      getEnvDuration("CONNECT_TIMEOUT", 10*time.Second),
		ReconnectMaxRetries: getEnvInt("RECONNECT_MAX_RETRIES", 50),
		ReconnectMinDelay:   getEnvDuration("RECONNECT_MIN_DELAY", time.Second),
		ReconnectMaxDelay:   getEnvDuration("RECONNECT_MAX_DELAY", 5*time.Second),
		SubscribeChunkSize:  getEnvInt("SUBSCRIBE_CHUNK_SIZE", 400),
		SubscribeChunkPause: getEnvDuration("SUBSCRIBE_CHUNK_PAUSE", 50*time.Millisecond),
		MarketTimezone:      getEnv("MARKET_TIMEZONE", "Asia/Kolkata"),
		DBPath:              getEnv("DB_PATH", "./data/engine.db"),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		OperatorKey:         os.Getenv("OPERATOR_KEY"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
