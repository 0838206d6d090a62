package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current value. Unknown keys are an error.
func LoadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	return nil
}

// Every supported variable uses the CHATRELAY_ prefix. Booleans accept "1",
// "true" and "yes" (case-insensitive); durations use time.ParseDuration.

// LoadFromEnv overlays environment variables onto cfg. Only non-empty
// variables override. Call it after LoadFile and before applying flags.
//
// Returns:
//   - A *FieldError naming the variable that could not be parsed
func LoadFromEnv(cfg *Config) error {
	setString("CHATRELAY_ADDR", &cfg.Listen.Addr)
	if err := setDuration("CHATRELAY_IDLE_TIMEOUT", &cfg.Listen.IdleTimeout); err != nil {
		return err
	}
	if err := setDuration("CHATRELAY_HANDSHAKE_TIMEOUT", &cfg.Listen.HandshakeTimeout); err != nil {
		return err
	}
	if err := setDuration("CHATRELAY_WRITE_TIMEOUT", &cfg.Listen.WriteTimeout); err != nil {
		return err
	}
	if err := setDuration("CHATRELAY_AUTH_TIMEOUT", &cfg.Listen.AuthTimeout); err != nil {
		return err
	}
	if err := setInt("CHATRELAY_MAX_LINE_LENGTH", &cfg.Listen.MaxLineLength); err != nil {
		return err
	}

	// TLS
	setString("CHATRELAY_TLS_CERT", &cfg.TLS.CertFile)
	setString("CHATRELAY_TLS_KEY", &cfg.TLS.KeyFile)
	setString("CHATRELAY_TLS_KEYSTORE", &cfg.TLS.KeystoreFile)
	setString("CHATRELAY_TLS_KEYSTORE_PASSWORD", &cfg.TLS.KeystorePassword)
	if envBool("CHATRELAY_TLS_PROMPT_PASSWORD") {
		cfg.TLS.PromptPassword = true
	}

	// Auth
	setString("CHATRELAY_AUTH_BACKEND", &cfg.Auth.Backend)
	setString("CHATRELAY_TOKENS_FILE", &cfg.Auth.TokensFile)
	if err := setDuration("CHATRELAY_AUTH_CACHE_TTL", &cfg.Auth.CacheTTL); err != nil {
		return err
	}
	setString("CHATRELAY_REDIS_ADDR", &cfg.Auth.Redis.Addr)
	setString("CHATRELAY_REDIS_PASSWORD", &cfg.Auth.Redis.Password)
	setString("CHATRELAY_REDIS_KEY_PREFIX", &cfg.Auth.Redis.KeyPrefix)
	if err := setInt("CHATRELAY_REDIS_DB", &cfg.Auth.Redis.DB); err != nil {
		return err
	}

	// Metrics and logging
	if v, ok := os.LookupEnv("CHATRELAY_METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v // empty disables
	}
	setString("CHATRELAY_LOG_LEVEL", &cfg.Log.Level)
	setString("CHATRELAY_LOG_FORMAT", &cfg.Log.Format)
	setString("CHATRELAY_LOG_DIR", &cfg.Log.Dir)

	return nil
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return &FieldError{Field: key, Value: v, Message: "must be an integer"}
	}

	*dst = n
	return nil
}

func setDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return &FieldError{Field: key, Value: v, Message: "must be a duration such as 30s or 5m"}
	}

	*dst = d
	return nil
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}
