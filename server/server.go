// Package server is the relay's listener and per-connection session handling.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/chatrelay/auth"
	"github.com/cyberinferno/chatrelay/chatconn"
	"github.com/cyberinferno/chatrelay/logger"
	"github.com/cyberinferno/chatrelay/metrics"
	"github.com/cyberinferno/chatrelay/registry"
	"github.com/cyberinferno/chatrelay/tlsutil"
)

var (
	// ErrServerRunning is returned by Start when the accept loop already runs.
	ErrServerRunning = errors.New("server already running")
	// ErrServerStopped is returned by Start after Stop.
	ErrServerStopped = errors.New("server stopped")
)

const (
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultAuthTimeout      = 10 * time.Second
)

const maxAcceptBackoff = time.Second

// Config holds the listener settings. Zero durations take the defaults.
type Config struct {
	// Addr is the "host:port" to bind.
	Addr string
	// TLS must carry the server certificate. MinVersion is raised to TLS 1.2.
	TLS *tls.Config
	// IdleTimeout disconnects clients that send nothing for this long.
	IdleTimeout time.Duration
	// HandshakeTimeout bounds the TLS handshake of each accepted socket.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every frame written to a client.
	WriteTimeout time.Duration
	// AuthTimeout bounds each authenticator call.
	AuthTimeout time.Duration
	// MaxLineLength bounds inbound lines; 0 uses chatconn.DefaultMaxLineLength.
	MaxLineLength int
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	return c
}

// Server owns the listening socket, the registry, and every live session.
// Construct with New; a Server cannot be restarted after Stop.
type Server struct {
	cfg      Config
	tls      *tls.Config
	auth     auth.Authenticator
	log      logger.Logger
	metrics  *metrics.Metrics
	registry *registry.Registry
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	running  atomic.Bool
	stopping atomic.Bool
	nextSeq  atomic.Uint32
	conns    connTable
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New binds cfg.Addr and returns a server ready to Start. Binding happens
// here, so a second server on the same address fails at construction.
//
// Parameters:
//   - cfg: Listener settings; cfg.TLS is required
//   - a: Authenticator consulted for every CONNECT
//   - log: Logger; nil discards
//   - m: Metrics; nil disables
//
// Returns:
//   - The server, or an error if the configuration is incomplete or the
//     address cannot be bound
func New(cfg Config, a auth.Authenticator, log logger.Logger, m *metrics.Metrics) (*Server, error) {
	if a == nil {
		return nil, errors.New("server: authenticator is required")
	}
	if cfg.TLS == nil || (len(cfg.TLS.Certificates) == 0 && cfg.TLS.GetCertificate == nil) {
		return nil, errors.New("server: tls certificate is required")
	}
	if log == nil {
		log = logger.Nop()
	}

	tlsCfg := cfg.TLS.Clone()
	if tlsCfg.MinVersion < tlsutil.MinVersion {
		tlsCfg.MinVersion = tlsutil.MinVersion
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Error("server failed to bind", logger.F("addr", cfg.Addr), logger.Err(err))
		return nil, fmt.Errorf("server failed to bind %s: %w", cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg.withDefaults(),
		tls:      tlsCfg,
		auth:     a,
		log:      log,
		metrics:  m,
		registry: registry.New(log, m),
		listener: ln,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.conns.init()

	return s, nil
}

// Addr returns the bound address, useful when Config.Addr used port 0.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Registry returns the server's routing table.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Start runs the accept loop in its own goroutine.
//
// Returns:
//   - ErrServerRunning if already started, ErrServerStopped after Stop
func (s *Server) Start() error {
	if s.stopping.Load() {
		return ErrServerStopped
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerRunning
	}

	s.log.Info("chat relay started", logger.F("addr", s.Addr().String()))
	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Serve starts the server, blocks until ctx is done, then stops it.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the listener and every tracked connection, then waits for all
// sessions to finish. Closing a connection runs its close hook, so the
// registry is empty afterwards. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		s.cancel()
		_ = s.listener.Close()

		n := s.conns.closeAll()
		s.wg.Wait()
		s.running.Store(false)

		s.log.Info("chat relay stopped", logger.F("closed_connections", n))
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}

			s.log.Error("accept error", logger.Err(err), logger.F("retry_in", backoff.String()))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		seq := s.nextSeq.Add(1)
		s.metrics.ConnectionAccepted()
		s.wg.Add(1)
		go s.serveConn(seq, raw)
	}
}

// serveConn completes the TLS handshake and runs the session. It owns raw.
func (s *Server) serveConn(seq uint32, raw net.Conn) {
	defer s.wg.Done()

	log := s.log.With(logger.F("conn_id", seq), logger.F("remote", raw.RemoteAddr().String()))

	if !s.conns.add(seq, raw) {
		_ = raw.Close()
		return
	}
	defer s.conns.remove(seq)

	tlsConn := tls.Server(raw, s.tls)
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	err := tlsConn.HandshakeContext(ctx)
	cancel()
	if err != nil {
		_ = raw.Close()
		if s.stopping.Load() {
			return
		}

		s.metrics.HandshakeFailed()
		log.Warn("tls handshake failed", logger.Err(err))
		return
	}

	conn := chatconn.New(tlsConn, chatconn.Options{
		IdleTimeout:   s.cfg.IdleTimeout,
		WriteTimeout:  s.cfg.WriteTimeout,
		MaxLineLength: s.cfg.MaxLineLength,
	})
	if !s.conns.replace(seq, conn) {
		_ = conn.Close()
		return
	}

	newSession(s, seq, conn, log).run()
}
