package turnserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/turn/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCredentials(t *testing.T) {
	now := time.Unix(1700000000, 0)
	user, pass := Credentials("s3cret", "tutor-42", time.Hour, now)
	assert.Equal(t, "1700003600:tutor-42", user)
	assert.NotEmpty(t, pass)

	got, err := Verify("s3cret", user, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, pass, got)

	other, err := Verify("different", user, now)
	require.NoError(t, err)
	assert.NotEqual(t, pass, other)

	_, err = Verify("s3cret", user, now.Add(2*time.Hour))
	require.ErrorIs(t, err, errExpired)

	for _, bad := range []string{"", "tutor-42", "soon:tutor-42"} {
		_, err := Verify("s3cret", bad, now)
		require.ErrorIs(t, err, errMalformedUsername, bad)
	}
}

func startServer(t *testing.T) *Server {
	t.Helper()
	s := New(Options{
		Realm:    "videolify",
		PublicIP: "127.0.0.1",
		ListenIP: "127.0.0.1",
		Secret:   "s3cret",
		Threads:  2,
		MinPort:  50000,
		MaxPort:  50999,
	}, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop() })
	return s
}

func allocate(t *testing.T, addr net.Addr, user, pass string) (net.PacketConn, error) {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: addr.String(),
		TURNServerAddr: addr.String(),
		Conn:           conn,
		Username:       user,
		Password:       pass,
		Realm:          "videolify",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		conn.Close()
	})
	require.NoError(t, client.Listen())
	return client.Allocate()
}

func TestServerAllocates(t *testing.T) {
	s := startServer(t)
	addr, err := s.Addr()
	require.NoError(t, err)

	user, pass := s.Credentials("tutor-42", time.Minute)
	relay, err := allocate(t, addr, user, pass)
	require.NoError(t, err)
	defer relay.Close()

	relayAddr, ok := relay.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", relayAddr.IP.String())
	assert.GreaterOrEqual(t, relayAddr.Port, 50000)

	st := s.Stats()
	assert.Equal(t, 1, st.ActiveAllocations)
	assert.Equal(t, "active", st.State)
}

func TestServerRejectsBadCredentials(t *testing.T) {
	s := startServer(t)
	addr, err := s.Addr()
	require.NoError(t, err)

	user, _ := s.Credentials("tutor-42", time.Minute)
	_, err = allocate(t, addr, user, "wrong")
	require.Error(t, err)

	expired, pass := Credentials("s3cret", "tutor-42", -time.Minute, time.Now())
	_, err = allocate(t, addr, expired, pass)
	require.Error(t, err)

	st := s.Stats()
	assert.Zero(t, st.ActiveAllocations)
	assert.Positive(t, st.Rejected)
}

func TestServerLifecycle(t *testing.T) {
	s := New(Options{Secret: ""}, zaptest.NewLogger(t))
	require.ErrorIs(t, s.Start(context.Background()), errNoSecret)
	_, err := s.Addr()
	require.ErrorIs(t, err, errNotStarted)
	assert.Equal(t, "stopped", s.Stats().State)
	require.NoError(t, s.Stop())

	s = startServer(t)
	require.ErrorIs(t, s.Start(context.Background()), errRunning)
	assert.Equal(t, "idle", s.Stats().State)
	require.NoError(t, s.Stop())
	assert.Equal(t, "stopped", s.Stats().State)
}
