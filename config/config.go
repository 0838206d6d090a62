// Package config defines the relay's runtime configuration.
//
// Precedence order (highest wins):
//  1. CLI flags (cmd/chatrelay)
//  2. Environment variables (LoadFromEnv)
//  3. YAML file (LoadFile)
//  4. Defaults (Default)
package config

import (
	"time"

	"github.com/cyberinferno/chatrelay/auth"
)

const (
	DefaultPort        = 12365
	DefaultAddr        = ":12365"
	DefaultMetricsAddr = ":9102"
)

// Backends accepted by Auth.Backend.
const (
	BackendRedis = "redis"
	BackendFile  = "file"
)

// Config holds every tuneable of one relay process.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	TLS     TLSConfig     `yaml:"tls"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

type ListenConfig struct {
	Addr             string        `yaml:"addr"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	AuthTimeout      time.Duration `yaml:"auth_timeout"`
	MaxLineLength    int           `yaml:"max_line_length"`
}

// TLSConfig selects the server identity: a PEM pair or a PKCS#12 keystore.
type TLSConfig struct {
	CertFile         string `yaml:"cert_file"`
	KeyFile          string `yaml:"key_file"`
	KeystoreFile     string `yaml:"keystore_file"`
	KeystorePassword string `yaml:"keystore_password"`
	// PromptPassword reads the keystore password from the terminal.
	PromptPassword bool `yaml:"prompt_password"`
}

type AuthConfig struct {
	Backend    string        `yaml:"backend"`
	Redis      RedisConfig   `yaml:"redis"`
	TokensFile string        `yaml:"tokens_file"`
	CacheTTL   time.Duration `yaml:"cache_ttl"` // 0 disables caching
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// MetricsConfig configures the Prometheus endpoint; an empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
	Dir    string `yaml:"dir"`    // empty logs to stdout only
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Listen: ListenConfig{
			Addr:             DefaultAddr,
			IdleTimeout:      30 * time.Minute,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     10 * time.Second,
			AuthTimeout:      10 * time.Second,
		},
		Auth: AuthConfig{
			Backend: BackendRedis,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: auth.DefaultRedisKeyPrefix,
			},
			CacheTTL: time.Minute,
		},
		Metrics: MetricsConfig{Addr: DefaultMetricsAddr},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}
