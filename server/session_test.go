package server

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/chatrelay/chatconn"
	"github.com/cyberinferno/chatrelay/protocol"
	"github.com/cyberinferno/chatrelay/registry"
)

func messageLines(from, to, body string) []string {
	return []string{"MESSAGE", from, to, protocol.BeginMarker, body, protocol.EndMarker}
}

func readLines(t *testing.T, conn *chatconn.Conn, n int) []string {
	t.Helper()

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		line, err := conn.ReadLine()
		require.NoError(t, err)
		out = append(out, line)
	}
	return out
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", StateUnauthenticated.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestConnect_SuccessBroadcastsPresence(t *testing.T) {
	h := startServer(t, nil)

	observer := h.login(t, "cred2")
	conn := h.dial(t)
	require.NoError(t, conn.WriteLines("CONNECT", "validcred"))

	assert.Equal(t, []string{"CONNECTION_SUCCESS", "10"}, readLines(t, conn, 2))
	assert.Equal(t, []string{"USER_CONNECTED", "10", "el mau"}, readLines(t, observer, 3))

	identity, ok := h.srv.Registry().Identity(10)
	require.True(t, ok)
	assert.Equal(t, registry.Identity{ID: 10, Username: "el mau"}, identity)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AuthResults.WithLabelValues("success")))
}

func TestConnect_HeaderIsCaseInsensitive(t *testing.T) {
	h := startServer(t, nil)

	conn := h.dial(t)
	require.NoError(t, conn.WriteLines("connect", "validcred"))
	assert.Equal(t, []string{"CONNECTION_SUCCESS", "10"}, readLines(t, conn, 2))
}

func TestConnect_RejectedCredential(t *testing.T) {
	h := startServer(t, nil)

	conn := h.dial(t)
	require.NoError(t, conn.WriteLines("CONNECT", "badcred"))

	assert.Equal(t, []string{"CONNECTION_FAILED", "UNAUTHORIZED"}, readLines(t, conn, 2))
	_, err := conn.ReadLine()
	assert.Error(t, err, "server closes after rejecting")

	assert.Equal(t, 0, h.srv.Registry().Len())
	assert.Eventually(t, h.sessionsClosed(EndRejected), 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AuthResults.WithLabelValues("rejected")))
}

func TestConnect_AuthenticatorErrorIsUnauthorized(t *testing.T) {
	h := startServer(t, nil)

	conn := h.dial(t)
	require.NoError(t, conn.WriteLines("CONNECT", "broken"))

	assert.Equal(t, []string{"CONNECTION_FAILED", "UNAUTHORIZED"}, readLines(t, conn, 2))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.AuthResults.WithLabelValues("error")))
}

func TestConnect_DuplicateIdentityRejected(t *testing.T) {
	h := startServer(t, nil)

	first := h.login(t, "cred1")

	second := h.dial(t)
	require.NoError(t, second.WriteLines("CONNECT", "cred1"))
	assert.Equal(t, []string{"CONNECTION_FAILED", "UNAUTHORIZED"}, readLines(t, second, 2))
	assert.Eventually(t, h.sessionsClosed(EndDuplicate), 3*time.Second, 10*time.Millisecond)

	// The first session is untouched and still routable.
	h2 := h.login(t, "cred2")
	assert.Equal(t, []string{"USER_CONNECTED", "2", "two"}, readLines(t, first, 3))
	require.NoError(t, h2.WriteLines(messageLines("2", "1", "aGk=")...))
	assert.Equal(t, messageLines("2", "1", "aGk="), readLines(t, first, 6))
}

func TestFirstRequestMustBeConnect(t *testing.T) {
	for _, first := range [][]string{
		{"LOGOUT"},
		messageLines("1", "2", "aGk="),
		{"HELLO"},
	} {
		t.Run(first[0], func(t *testing.T) {
			h := startServer(t, nil)

			conn := h.dial(t)
			require.NoError(t, conn.WriteLines(first...))

			_, err := conn.ReadLine()
			assert.Error(t, err, "closed without a response")
			assert.Eventually(t, h.sessionsClosed(EndProtocolViolation), 3*time.Second, 10*time.Millisecond)
			assert.Equal(t, 0, h.srv.Registry().Len())
		})
	}
}

func TestMessage_ForwardedVerbatim(t *testing.T) {
	h := startServer(t, nil)

	a := h.login(t, "cred1")
	b := h.login(t, "cred2")
	// a learns about b first.
	assert.Equal(t, []string{"USER_CONNECTED", "2", "two"}, readLines(t, a, 3))

	body := base64.StdEncoding.EncodeToString([]byte("hello"))
	require.Equal(t, "aGVsbG8=", body)
	require.NoError(t, a.WriteLines(messageLines("1", "2", body)...))

	assert.Equal(t, messageLines("1", "2", "aGVsbG8="), readLines(t, b, 6))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("MESSAGE")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMessage_MarkersAndBodyAreOpaque(t *testing.T) {
	h := startServer(t, nil)

	a := h.login(t, "cred1")
	b := h.login(t, "cred2")
	readLines(t, a, 3)

	frame := []string{"message", "1", "2", "<<begin>>", "not base64 at all", "<<end>>"}
	require.NoError(t, a.WriteLines(frame...))

	assert.Equal(t, []string{"MESSAGE", "1", "2", "<<begin>>", "not base64 at all", "<<end>>"}, readLines(t, b, 6))
}

func TestMessage_OfflineReceiverIsDropped(t *testing.T) {
	h := startServer(t, nil)

	a := h.login(t, "cred1")
	require.NoError(t, a.WriteLines(messageLines("1", "2", "aGVsbG8=")...))

	// A frame to itself proves nothing was sent back for the dropped one.
	require.NoError(t, a.WriteLines(messageLines("1", "1", "c2VsZg==")...))
	assert.Equal(t, messageLines("1", "1", "c2VsZg=="), readLines(t, a, 6))

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.MessagesDropped))
	assert.True(t, h.online(1)())
}

func TestMessage_MalformedIsViolation(t *testing.T) {
	h := startServer(t, nil)

	a := h.login(t, "cred1")
	require.NoError(t, a.WriteLines(messageLines("1", "two", "aGk=")...))

	_, err := a.ReadLine()
	assert.Error(t, err)
	assert.Eventually(t, h.offline(1), 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, h.sessionsClosed(EndProtocolViolation), 3*time.Second, 10*time.Millisecond)
}

func TestConnectAfterAuthenticationIsViolation(t *testing.T) {
	h := startServer(t, nil)

	a := h.login(t, "cred1")
	require.NoError(t, a.WriteLines("CONNECT", "cred1"))

	_, err := a.ReadLine()
	assert.Error(t, err)
	assert.Eventually(t, h.offline(1), 3*time.Second, 10*time.Millisecond)
}

func TestLineTooLongIsViolation(t *testing.T) {
	h := startServer(t, func(c *Config) { c.MaxLineLength = 64 })

	a := h.login(t, "cred1")
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'A'
	}
	require.NoError(t, a.WriteLines(messageLines("1", "1", string(long))...))

	_, err := a.ReadLine()
	assert.Error(t, err)
	assert.Eventually(t, h.sessionsClosed(EndProtocolViolation), 3*time.Second, 10*time.Millisecond)
}

func TestLogout(t *testing.T) {
	h := startServer(t, nil)

	a := h.login(t, "cred1")
	require.NoError(t, a.WriteLines("LOGOUT"))

	_, err := a.ReadLine()
	assert.Error(t, err, "server closes after LOGOUT")
	assert.Eventually(t, h.offline(1), 3*time.Second, 10*time.Millisecond)
	assert.Eventually(t, h.sessionsClosed(EndLogout), 3*time.Second, 10*time.Millisecond)

	// A newcomer's presence reaches the remaining clients only.
	observer := h.login(t, "cred2")
	h.login(t, "cred3")
	assert.Equal(t, []string{"USER_CONNECTED", "3", "three"}, readLines(t, observer, 3))
	assert.Equal(t, 2, h.srv.Registry().Len())

	// The identity can log in again.
	again := h.login(t, "cred1")
	assert.NotNil(t, again)
	assert.Eventually(t, h.online(1), time.Second, 10*time.Millisecond)
}

func TestConcurrentSendersNeverInterleave(t *testing.T) {
	const perSender = 1000

	h := startServer(t, nil)

	recipient := h.login(t, "cred3")
	senders := []*chatconn.Conn{h.login(t, "cred1"), h.login(t, "cred2")}
	readLines(t, recipient, 6) // presence for 1 and 2

	var wg sync.WaitGroup
	for i, s := range senders {
		s := s
		from := strconv.Itoa(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				body := base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%d", from, n)))
				if err := s.WriteLines(messageLines(from, "3", body)...); err != nil {
					t.Errorf("sender %s: %v", from, err)
					return
				}
			}
		}()
	}

	next := map[string]int{"1": 0, "2": 0}
	for i := 0; i < 2*perSender; i++ {
		frame := readLines(t, recipient, 6)
		require.Equal(t, "MESSAGE", frame[0])
		require.Contains(t, next, frame[1])
		require.Equal(t, "3", frame[2])
		require.Equal(t, protocol.BeginMarker, frame[3])
		require.Equal(t, protocol.EndMarker, frame[5])

		decoded, err := base64.StdEncoding.DecodeString(frame[4])
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("%s-%d", frame[1], next[frame[1]]), string(decoded), "per-sender order")
		next[frame[1]]++
	}

	wg.Wait()
	assert.Equal(t, perSender, next["1"])
	assert.Equal(t, perSender, next["2"])
}
