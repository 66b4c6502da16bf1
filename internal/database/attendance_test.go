package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/videolify/internal/reconnect"
	"github.com/mikeyg42/videolify/internal/registry"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "attendance.db"),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAttendanceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	joined := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordJoin(ctx, Attendance{RoomID: "r1", PeerID: "a", UserID: "alice", PeerName: "Alice", Scenario: "fresh-join", JoinedAtMs: joined.UnixMilli()}))
	require.NoError(t, s.RecordJoin(ctx, Attendance{RoomID: "r1", PeerID: "b", UserID: "bob", JoinedAtMs: joined.Add(time.Minute).UnixMilli()}))

	n, err := s.RecordLeave(ctx, Departure{RoomID: "r1", PeerID: "a", At: joined.Add(30 * time.Minute), Reason: "closed"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Closing again is a no-op.
	n, err = s.RecordLeave(ctx, Departure{RoomID: "r1", PeerID: "a", At: joined.Add(time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.RecordLeave(ctx, Departure{RoomID: "r1", UserID: "bob", At: joined.Add(45 * time.Minute), Reason: "booking"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := s.History(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Alice", rows[0].PeerName)
	assert.True(t, joined.Equal(rows[0].JoinedAt()))
	assert.True(t, joined.Add(30*time.Minute).Equal(rows[0].LeftAt()))
	assert.Equal(t, "booking", rows[1].LeftReason)

	_, err = s.RecordLeave(ctx, Departure{RoomID: "r1"})
	assert.Error(t, err)
	assert.NoError(t, s.HealthCheck(ctx))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

type bookingStub struct {
	rooms, users []string
}

func (b *bookingStub) RecordLeave(_ context.Context, roomID, userID string, _ time.Time) error {
	b.rooms = append(b.rooms, roomID)
	b.users = append(b.users, userID)
	return nil
}

func TestCallRecorder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	booking := &bookingStub{}
	rec := NewCallRecorder(s, booking, zaptest.NewLogger(t))

	laptop := registry.Session{RoomID: "r1", PeerID: "a-laptop", UserID: "alice", JoinedAt: time.Now()}
	rec.Joined(ctx, registry.JoinResult{
		Decision: reconnect.Decision{Action: reconnect.Admit, Scenario: reconnect.FreshJoin},
		Session:  laptop,
	}, "10.0.0.1")

	phone := registry.Session{RoomID: "r1", PeerID: "a-phone", UserID: "alice", JoinedAt: time.Now()}
	rec.Joined(ctx, registry.JoinResult{
		Decision: reconnect.Decision{Action: reconnect.Replace, Scenario: reconnect.CrossDevice},
		Session:  phone,
		Evicted:  &laptop,
	}, "10.0.0.2")

	// Resumed transports keep the existing row.
	rec.Joined(ctx, registry.JoinResult{
		Decision: reconnect.Decision{Action: reconnect.Resume, Scenario: reconnect.TransportReopen},
		Session:  phone,
	}, "10.0.0.2")

	rows, err := s.History(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a-laptop", rows[0].PeerID)
	assert.False(t, rows[0].LeftAt().IsZero(), "replaced session is closed")
	assert.Equal(t, "cross-device", rows[0].LeftReason)
	assert.True(t, rows[1].LeftAt().IsZero())

	rec.Left(ctx, registry.LeaveResult{Session: phone, RoomEmpty: true}, "closed", "10.0.0.2")
	rows, err = s.History(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, rows[1].LeftAt().IsZero())
	assert.Equal(t, []string{"alice"}, booking.users)
}

func TestMasking(t *testing.T) {
	tests := []struct{ in, user, ip string }{
		{"example@domain.com", "e***e@domain.com", ""},
		{"ab@x.io", "*@x.io", ""},
		{"", "unknown", ""},
		{"peer-123", "p***3", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.user, maskUser(tt.in))
	}
	assert.Equal(t, "192.168.*.*", maskIP("192.168.1.100"))
	assert.Equal(t, "2001:db8:*", maskIP("2001:db8::1"))
	assert.Equal(t, "unknown", maskIP(""))
	assert.Equal(t, "invalid", maskIP("not-an-ip"))
}
