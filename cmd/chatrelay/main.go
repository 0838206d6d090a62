// Command chatrelay runs the TLS chat relay.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/cyberinferno/chatrelay/auth"
	"github.com/cyberinferno/chatrelay/config"
	"github.com/cyberinferno/chatrelay/logger"
	"github.com/cyberinferno/chatrelay/metrics"
	"github.com/cyberinferno/chatrelay/server"
	"github.com/cyberinferno/chatrelay/tlsutil"
)

// version is overridable at link time:
//
//	go build -ldflags "-X main.version=1.2.0"
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "chatrelay:", err)
		}
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, showVersion, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	if showVersion {
		fmt.Fprintf(stderr, "chatrelay %s\n", version)
		return nil
	}

	log, err := logger.New(logger.Options{
		Service: "chatrelay",
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Dir:     cfg.Log.Dir,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	tlsCfg, err := serverTLS(cfg.TLS)
	if err != nil {
		return err
	}

	authenticator, closeAuth, err := buildAuthenticator(ctx, cfg.Auth, log)
	if err != nil {
		return err
	}
	defer closeAuth()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	srv, err := server.New(server.Config{
		Addr:             cfg.Listen.Addr,
		TLS:              tlsCfg,
		IdleTimeout:      cfg.Listen.IdleTimeout,
		HandshakeTimeout: cfg.Listen.HandshakeTimeout,
		WriteTimeout:     cfg.Listen.WriteTimeout,
		AuthTimeout:      cfg.Listen.AuthTimeout,
		MaxLineLength:    cfg.Listen.MaxLineLength,
	}, authenticator, log, m)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		httpSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			log.Info("metrics endpoint listening", logger.F("addr", cfg.Metrics.Addr))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// loadConfig applies defaults, the YAML file, the environment and finally
// the flags the caller set explicitly.
func loadConfig(args []string, stderr io.Writer) (config.Config, bool, error) {
	fs := flag.NewFlagSet("chatrelay", flag.ContinueOnError)
	fs.SetOutput(stderr)

	def := config.Default()
	var (
		configPath  string
		showVersion bool
		flagged     = def
	)

	fs.StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")

	// ── listener ─────────────────────────────────────────────────
	fs.StringVarP(&flagged.Listen.Addr, "addr", "a", def.Listen.Addr, "Listen address")
	fs.DurationVar(&flagged.Listen.IdleTimeout, "idle-timeout", def.Listen.IdleTimeout, "Disconnect clients idle this long")
	fs.DurationVar(&flagged.Listen.HandshakeTimeout, "handshake-timeout", def.Listen.HandshakeTimeout, "TLS handshake timeout")
	fs.DurationVar(&flagged.Listen.WriteTimeout, "write-timeout", def.Listen.WriteTimeout, "Per-frame write timeout")
	fs.DurationVar(&flagged.Listen.AuthTimeout, "auth-timeout", def.Listen.AuthTimeout, "Authenticator call timeout")

	// ── TLS ──────────────────────────────────────────────────────
	fs.StringVar(&flagged.TLS.CertFile, "tls-cert", "", "PEM certificate file")
	fs.StringVar(&flagged.TLS.KeyFile, "tls-key", "", "PEM private key file")
	fs.StringVar(&flagged.TLS.KeystoreFile, "tls-keystore", "", "PKCS#12 keystore file")
	fs.BoolVar(&flagged.TLS.PromptPassword, "prompt-password", false, "Prompt for the keystore password")

	// ── auth ─────────────────────────────────────────────────────
	fs.StringVar(&flagged.Auth.Backend, "auth-backend", def.Auth.Backend, "Credential backend: redis or file")
	fs.StringVar(&flagged.Auth.Redis.Addr, "redis-addr", def.Auth.Redis.Addr, "Redis address")
	fs.IntVar(&flagged.Auth.Redis.DB, "redis-db", def.Auth.Redis.DB, "Redis database")
	fs.StringVar(&flagged.Auth.TokensFile, "tokens-file", "", "YAML tokens file for the file backend")
	fs.DurationVar(&flagged.Auth.CacheTTL, "auth-cache-ttl", def.Auth.CacheTTL, "Cache successful logins this long (0 disables)")

	// ── observability ────────────────────────────────────────────
	fs.StringVar(&flagged.Metrics.Addr, "metrics-addr", def.Metrics.Addr, "Prometheus endpoint address (empty disables)")
	fs.StringVar(&flagged.Log.Level, "log-level", def.Log.Level, "debug, info, warn or error")
	fs.StringVar(&flagged.Log.Format, "log-format", def.Log.Format, "json or console")
	fs.StringVar(&flagged.Log.Dir, "log-dir", "", "Directory for daily log files")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, false, err
	}
	if showVersion {
		return config.Config{}, true, nil
	}

	cfg := config.Default()
	if configPath != "" {
		if err := config.LoadFile(configPath, &cfg); err != nil {
			return config.Config{}, false, err
		}
	}
	if err := config.LoadFromEnv(&cfg); err != nil {
		return config.Config{}, false, err
	}

	overrides := map[string]func(){
		"addr":              func() { cfg.Listen.Addr = flagged.Listen.Addr },
		"idle-timeout":      func() { cfg.Listen.IdleTimeout = flagged.Listen.IdleTimeout },
		"handshake-timeout": func() { cfg.Listen.HandshakeTimeout = flagged.Listen.HandshakeTimeout },
		"write-timeout":     func() { cfg.Listen.WriteTimeout = flagged.Listen.WriteTimeout },
		"auth-timeout":      func() { cfg.Listen.AuthTimeout = flagged.Listen.AuthTimeout },
		"tls-cert":          func() { cfg.TLS.CertFile = flagged.TLS.CertFile },
		"tls-key":           func() { cfg.TLS.KeyFile = flagged.TLS.KeyFile },
		"tls-keystore":      func() { cfg.TLS.KeystoreFile = flagged.TLS.KeystoreFile },
		"prompt-password":   func() { cfg.TLS.PromptPassword = flagged.TLS.PromptPassword },
		"auth-backend":      func() { cfg.Auth.Backend = flagged.Auth.Backend },
		"redis-addr":        func() { cfg.Auth.Redis.Addr = flagged.Auth.Redis.Addr },
		"redis-db":          func() { cfg.Auth.Redis.DB = flagged.Auth.Redis.DB },
		"tokens-file":       func() { cfg.Auth.TokensFile = flagged.Auth.TokensFile },
		"auth-cache-ttl":    func() { cfg.Auth.CacheTTL = flagged.Auth.CacheTTL },
		"metrics-addr":      func() { cfg.Metrics.Addr = flagged.Metrics.Addr },
		"log-level":         func() { cfg.Log.Level = flagged.Log.Level },
		"log-format":        func() { cfg.Log.Format = flagged.Log.Format },
		"log-dir":           func() { cfg.Log.Dir = flagged.Log.Dir },
	}
	fs.Visit(func(f *flag.Flag) {
		if apply, ok := overrides[f.Name]; ok {
			apply()
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, false, err
	}

	return cfg, false, nil
}

func serverTLS(c config.TLSConfig) (*tls.Config, error) {
	if c.KeystoreFile == "" {
		return tlsutil.ServerConfig(c.CertFile, c.KeyFile)
	}

	password := c.KeystorePassword
	if c.PromptPassword {
		p, err := promptPassword("Keystore password: ")
		if err != nil {
			return nil, err
		}
		password = p
	}

	return tlsutil.ServerConfigPKCS12(c.KeystoreFile, password)
}

func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("password prompt requires a terminal")
	}

	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	return string(b), nil
}

// buildAuthenticator returns the configured backend, wrapped in a cache when
// a TTL is set, and a function releasing its resources.
func buildAuthenticator(ctx context.Context, c config.AuthConfig, log logger.Logger) (auth.Authenticator, func(), error) {
	var (
		a       auth.Authenticator
		closeFn = func() {}
	)

	switch c.Backend {
	case config.BackendFile:
		fa, err := auth.LoadFileAuthenticator(c.TokensFile)
		if err != nil {
			return nil, nil, err
		}
		a = fa
	default:
		client := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", c.Redis.Addr, err)
		}

		a = auth.NewRedisAuthenticator(client, c.Redis.KeyPrefix)
		closeFn = func() { _ = client.Close() }
	}

	log.Info("authenticator ready", logger.F("backend", c.Backend), logger.F("cache_ttl", c.CacheTTL.String()))
	if c.CacheTTL > 0 {
		a = auth.NewCachingAuthenticator(a, c.CacheTTL)
	}

	return a, closeFn, nil
}
