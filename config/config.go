// Package config loads the server configuration from the environment,
// optionally seeded from a .env or config.env file in the working directory.
// Environment variables always win over the file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/warp/stock-engine/ledger"
)

type Config struct {
	App    AppConfig
	HTTP   HTTPConfig
	DB     DBConfig
	Log    LogConfig
	Ledger LedgerConfig
}

type AppConfig struct {
	Env  string // development, staging, production
	Name string
}

type HTTPConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
}

// Addr returns host:port to listen on.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DBConfig struct {
	// Path of the SQLite file, or ":memory:".
	Path string
}

type LogConfig struct {
	Level string // trace, debug, info, warn, error
}

type LedgerConfig struct {
	// LockWait bounds how long an operation waits for one key lock.
	LockWait time.Duration
	// WriteOffMethod costs write-offs and order completions that name no method.
	WriteOffMethod ledger.Method
	// ReconcileInterval is the period of the background drift scan. Zero disables it.
	ReconcileInterval time.Duration
}

// Load reads the configuration. Unset keys fall back to defaults; malformed
// values are an error.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional

	v.SetConfigName("config")
	v.AddConfigPath("./config")
	_ = v.MergeInConfig() // optional, layered over .env

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	port, err := getInt(v, "HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}

	lockWait, err := getDuration(v, "LEDGER_LOCK_WAIT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	if lockWait <= 0 {
		return nil, fmt.Errorf("LEDGER_LOCK_WAIT: must be positive, got %s", lockWait)
	}

	reconcileEvery, err := getDuration(v, "LEDGER_RECONCILE_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	method, err := ledger.ParseMethod(getString(v, "LEDGER_WRITE_OFF_METHOD", string(ledger.FIFO)))
	if err != nil {
		return nil, fmt.Errorf("LEDGER_WRITE_OFF_METHOD: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Env:  getString(v, "APP_ENV", "development"),
			Name: getString(v, "APP_NAME", "stock-engine"),
		},
		HTTP: HTTPConfig{
			Host:           getString(v, "HTTP_HOST", "0.0.0.0"),
			Port:           port,
			AllowedOrigins: splitList(getString(v, "CORS_ALLOWED_ORIGINS", "http://localhost:5173")),
		},
		DB: DBConfig{
			Path: getString(v, "DB_PATH", "stock.db"),
		},
		Log: LogConfig{
			Level: getString(v, "LOG_LEVEL", "info"),
		},
		Ledger: LedgerConfig{
			LockWait:          lockWait,
			WriteOffMethod:    method,
			ReconcileInterval: reconcileEvery,
		},
	}

	return cfg, nil
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getInt(v *viper.Viper, key string, def int) (int, error) {
	if !v.IsSet(key) {
		return def, nil
	}
	switch v.Get(key).(type) {
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	default:
		return v.GetInt(key), nil
	}
}

func getDuration(v *viper.Viper, key string, def time.Duration) (time.Duration, error) {
	if !v.IsSet(key) {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
