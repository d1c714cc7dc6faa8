package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	Port        string
	DBPath      string
	JWTSecret   string
	TokenTTL    time.Duration
	RedisAddr   string
	VerifyTTL   time.Duration
	JoinCodeTTL time.Duration
	HistoryMax  int
	// ProcessInterval enables the in-process allowance scheduler when > 0.
	ProcessInterval time.Duration
	// OpenRegistration lets members register without a verified phone.
	OpenRegistration bool
	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file and then configuration from environment
// variables with defaults. Variables already set in the environment win over
// the .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:             getEnv("FAMLEDGER_PORT", "8080"),
		DBPath:           getEnv("FAMLEDGER_DB_PATH", "famledger.db"),
		JWTSecret:        getEnv("FAMLEDGER_JWT_SECRET", ""),
		TokenTTL:         getDuration("FAMLEDGER_TOKEN_TTL", 24*time.Hour),
		RedisAddr:        getEnv("FAMLEDGER_REDIS_ADDR", ""),
		VerifyTTL:        getDuration("FAMLEDGER_VERIFY_TTL", 10*time.Minute),
		JoinCodeTTL:      getDuration("FAMLEDGER_JOIN_CODE_TTL", 30*24*time.Hour),
		HistoryMax:       getInt("FAMLEDGER_HISTORY_MAX", 200),
		ProcessInterval:  getDuration("FAMLEDGER_PROCESS_INTERVAL", 0),
		OpenRegistration: getBool("FAMLEDGER_OPEN_REGISTRATION", false),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogFormat:        getEnv("LOG_FORMAT", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return n
}

func getBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}
