package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cyberinferno/chatrelay/logger"
)

// FieldError reports one invalid setting.
type FieldError struct {
	Field   string
	Value   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

func fieldErr(field string, value any, msg string) *FieldError {
	return &FieldError{Field: field, Value: fmt.Sprint(value), Message: msg}
}

// Validate reports the first inconsistency in c.
//
// Returns:
//   - nil, or a *FieldError
func (c *Config) Validate() error {
	if err := validateAddr("listen.addr", c.Listen.Addr); err != nil {
		return err
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"listen.idle_timeout", c.Listen.IdleTimeout},
		{"listen.handshake_timeout", c.Listen.HandshakeTimeout},
		{"listen.write_timeout", c.Listen.WriteTimeout},
		{"listen.auth_timeout", c.Listen.AuthTimeout},
	} {
		if d.value <= 0 {
			return fieldErr(d.field, d.value, "must be positive")
		}
	}
	if c.Listen.MaxLineLength < 0 {
		return fieldErr("listen.max_line_length", c.Listen.MaxLineLength, "must not be negative")
	}

	if err := c.TLS.validate(); err != nil {
		return err
	}
	if err := c.Auth.validate(); err != nil {
		return err
	}

	if c.Metrics.Addr != "" {
		if err := validateAddr("metrics.addr", c.Metrics.Addr); err != nil {
			return err
		}
		if c.Metrics.Addr == c.Listen.Addr {
			return fieldErr("metrics.addr", c.Metrics.Addr, "must differ from listen.addr")
		}
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fieldErr("log.level", c.Log.Level, "must be one of debug, info, warn, error")
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fieldErr("log.format", c.Log.Format, "must be json or console")
	}

	return nil
}

func (t TLSConfig) validate() error {
	pem := t.CertFile != "" || t.KeyFile != ""
	keystore := t.KeystoreFile != ""

	switch {
	case pem && keystore:
		return fieldErr("tls.keystore_file", t.KeystoreFile, "cannot be combined with tls.cert_file/tls.key_file")
	case !pem && !keystore:
		return fieldErr("tls.cert_file", "", "a certificate and key or a keystore is required")
	case pem && t.CertFile == "":
		return fieldErr("tls.cert_file", "", "required when tls.key_file is set")
	case pem && t.KeyFile == "":
		return fieldErr("tls.key_file", "", "required when tls.cert_file is set")
	case t.PromptPassword && !keystore:
		return fieldErr("tls.prompt_password", true, "only applies to a keystore")
	}

	return nil
}

func (a AuthConfig) validate() error {
	switch a.Backend {
	case BackendRedis:
		if a.Redis.Addr == "" {
			return fieldErr("auth.redis.addr", "", "required for the redis backend")
		}
		if a.Redis.DB < 0 {
			return fieldErr("auth.redis.db", a.Redis.DB, "must not be negative")
		}
	case BackendFile:
		if a.TokensFile == "" {
			return fieldErr("auth.tokens_file", "", "required for the file backend")
		}
	default:
		return fieldErr("auth.backend", a.Backend, "must be redis or file")
	}

	if a.CacheTTL < 0 {
		return fieldErr("auth.cache_ttl", a.CacheTTL, "must not be negative")
	}

	return nil
}

func validateAddr(field, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fieldErr(field, addr, "must be host:port")
	}

	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fieldErr(field, addr, "port must be between 0 and 65535")
	}

	return nil
}
