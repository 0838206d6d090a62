package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/chatrelay/auth"
	"github.com/cyberinferno/chatrelay/chatconn"
	"github.com/cyberinferno/chatrelay/metrics"
	"github.com/cyberinferno/chatrelay/protocol"
	"github.com/cyberinferno/chatrelay/registry"
	"github.com/cyberinferno/chatrelay/tlsutil"
)

var accounts = map[string]registry.Identity{
	"validcred": {ID: 10, Username: "el mau"},
	"cred1":     {ID: 1, Username: "one"},
	"cred2":     {ID: 2, Username: "two"},
	"cred3":     {ID: 3, Username: "three"},
}

func testAuthenticator() auth.Authenticator {
	return auth.Func(func(ctx context.Context, credential string) (registry.Identity, error) {
		if credential == "broken" {
			return registry.Identity{}, assert.AnError
		}
		if identity, ok := accounts[credential]; ok {
			return identity, nil
		}
		return registry.Identity{}, auth.Reject()
	})
}

type harness struct {
	srv     *Server
	pool    *x509.CertPool
	metrics *metrics.Metrics
}

func startServer(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()

	cert, pool, err := tlsutil.SelfSigned("127.0.0.1")
	require.NoError(t, err)

	cfg := Config{Addr: "127.0.0.1:0", TLS: tlsutil.NewServerConfig(cert), HandshakeTimeout: 2 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}

	m := metrics.New(prometheus.NewRegistry())
	srv, err := New(cfg, testAuthenticator(), nil, m)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return &harness{srv: srv, pool: pool, metrics: m}
}

func (h *harness) dial(t *testing.T) *chatconn.Conn {
	t.Helper()

	raw, err := tls.Dial("tcp", h.srv.Addr().String(), tlsutil.NewClientConfig(h.pool, ""))
	require.NoError(t, err)

	conn := chatconn.New(raw, chatconn.Options{IdleTimeout: 5 * time.Second})
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// login dials and authenticates, failing the test unless the relay accepts.
func (h *harness) login(t *testing.T, credential string) *chatconn.Conn {
	t.Helper()

	conn := h.dial(t)
	require.NoError(t, conn.WriteLines(protocol.Connect(credential).Lines()...))

	resp, err := protocol.ReadResponse(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResponseConnectionSuccess, resp.Type)
	require.Equal(t, accounts[credential].ID, resp.ID)
	return conn
}

func (h *harness) online(id int) func() bool {
	return func() bool {
		_, err := h.srv.Registry().Lookup(id)
		return err == nil
	}
}

func (h *harness) offline(id int) func() bool {
	return func() bool {
		_, err := h.srv.Registry().Lookup(id)
		return err != nil
	}
}

func (h *harness) sessionsClosed(reason string) func() bool {
	return func() bool {
		return testutil.ToFloat64(h.metrics.SessionsClosed.WithLabelValues(reason)) == 1
	}
}

func TestNew_Validation(t *testing.T) {
	cert, _, err := tlsutil.SelfSigned("127.0.0.1")
	require.NoError(t, err)

	_, err = New(Config{Addr: "127.0.0.1:0", TLS: tlsutil.NewServerConfig(cert)}, nil, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Addr: "127.0.0.1:0"}, testAuthenticator(), nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Addr: "127.0.0.1:0", TLS: &tls.Config{}}, testAuthenticator(), nil, nil)
	assert.Error(t, err)
}

func TestNew_SecondInstanceOnSameAddressFails(t *testing.T) {
	h := startServer(t, nil)

	cert, _, err := tlsutil.SelfSigned("127.0.0.1")
	require.NoError(t, err)

	_, err = New(Config{Addr: h.srv.Addr().String(), TLS: tlsutil.NewServerConfig(cert)}, testAuthenticator(), nil, nil)
	assert.Error(t, err)
}

func TestNew_RaisesMinVersion(t *testing.T) {
	cert, _, err := tlsutil.SelfSigned("127.0.0.1")
	require.NoError(t, err)

	srv, err := New(Config{Addr: "127.0.0.1:0", TLS: &tls.Config{Certificates: []tls.Certificate{cert}}}, testAuthenticator(), nil, nil)
	require.NoError(t, err)
	defer srv.Stop()

	assert.Equal(t, uint16(tls.VersionTLS12), srv.tls.MinVersion)
}

func TestStartStop(t *testing.T) {
	h := startServer(t, nil)

	assert.ErrorIs(t, h.srv.Start(), ErrServerRunning)

	h.srv.Stop()
	h.srv.Stop()
	assert.ErrorIs(t, h.srv.Start(), ErrServerStopped)

	_, err := net.DialTimeout("tcp", h.srv.Addr().String(), time.Second)
	assert.Error(t, err, "listener is closed after Stop")
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	cert, _, err := tlsutil.SelfSigned("127.0.0.1")
	require.NoError(t, err)

	srv, err := New(Config{Addr: "127.0.0.1:0", TLS: tlsutil.NewServerConfig(cert)}, testAuthenticator(), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestStop_ClosesSessionsAndEmptiesRegistry(t *testing.T) {
	h := startServer(t, nil)

	a := h.login(t, "cred1")
	h.login(t, "cred2")
	require.Equal(t, 2, h.srv.Registry().Len())

	h.srv.Stop()

	assert.Equal(t, 0, h.srv.Registry().Len())
	assert.Equal(t, 0, h.srv.conns.len())
	_, err := a.ReadLine()
	assert.Error(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.SessionsClosed.WithLabelValues(EndShutdown)))
}

func TestPlaintextClientFailsHandshake(t *testing.T) {
	h := startServer(t, nil)

	raw, err := net.Dial("tcp", h.srv.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	_, err = io.WriteString(raw, "CONNECT\nvalidcred\n")
	require.NoError(t, err)

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(3*time.Second)))
	reply, _ := io.ReadAll(raw)
	assert.NotContains(t, string(reply), protocol.ResponseConnectionSuccess.Header())

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.HandshakeFailures) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.srv.Registry().Len())
}

func TestIdleTimeoutRemovesIdentity(t *testing.T) {
	h := startServer(t, func(c *Config) { c.IdleTimeout = 150 * time.Millisecond })

	h.login(t, "cred1")
	require.True(t, h.online(1)())

	assert.Eventually(t, h.offline(1), 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, h.sessionsClosed(EndTimeout), 3*time.Second, 10*time.Millisecond)
}

func TestConnectionSequenceIDsIncrease(t *testing.T) {
	h := startServer(t, nil)

	h.login(t, "cred1")
	h.login(t, "cred2")

	assert.Equal(t, uint32(2), h.srv.nextSeq.Load())
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.ConnectionsTotal))
}

func TestClientEOFRemovesIdentity(t *testing.T) {
	h := startServer(t, nil)

	conn := h.login(t, "cred1")
	require.NoError(t, conn.Close())

	assert.Eventually(t, h.offline(1), 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, h.sessionsClosed(EndEOF), 3*time.Second, 10*time.Millisecond)
}
