package configs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// ServerConfig is read from the environment by LoadServerConfig.
type ServerConfig struct {
	Addr          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RequireToken  bool
	LogLevel      logrus.Level
}

// ClientConfig is read from the environment by LoadClientConfig. The CLI
// overrides fields from flags afterwards.
type ClientConfig struct {
	RelayURL   string
	UserID     int64
	Token      string
	Dir        string
	Passphrase string

	// SessionRedisAddr, when set, keeps session records in Redis instead of
	// the keystore file.
	SessionRedisAddr string
	LogLevel         logrus.Level
}

// LoadEnvFiles loads the given dotenv files, skipping the ones that do not
// exist. Variables already set in the process environment win.
func LoadEnvFiles(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := ServerConfig{
		Addr:          getenv("RELAY_ADDR", ServerAddress),
		RedisAddr:     getenv("REDIS_ADDR", RedisAddress),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
	}
	var err error
	if cfg.RedisDB, err = getenvInt("REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.RequireToken, err = getenvBool("RELAY_REQUIRE_TOKEN", true); err != nil {
		return cfg, err
	}
	if cfg.LogLevel, err = getenvLevel("LOG_LEVEL"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := ClientConfig{
		RelayURL:   getenv("RELAY_URL", RelayURL),
		Token:      os.Getenv("SESSION_TOKEN"),
		Dir:        os.Getenv("KEYSTORE_DIR"),
		Passphrase: os.Getenv("KEYSTORE_PASSPHRASE"),

		SessionRedisAddr: os.Getenv("KEYSTORE_REDIS_ADDR"),
	}
	if cfg.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, err
		}
		cfg.Dir = filepath.Join(home, ".hybrid-chat")
	}
	id, err := getenvInt("USER_ID", 0)
	if err != nil {
		return cfg, err
	}
	cfg.UserID = int64(id)
	if cfg.LogLevel, err = getenvLevel("LOG_LEVEL"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getenvLevel(key string) (logrus.Level, error) {
	v := os.Getenv(key)
	if v == "" {
		return logrus.InfoLevel, nil
	}
	lvl, err := logrus.ParseLevel(v)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("%s: %w", key, err)
	}
	return lvl, nil
}
