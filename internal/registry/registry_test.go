package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/reconnect"
	"github.com/mikeyg42/videolify/internal/signal"
)

var connSeq atomic.Uint64

type fakeConn struct {
	id  string
	seq uint64

	mu     sync.Mutex
	got    []signal.Envelope
	closed string
}

func newConn(id string) *fakeConn {
	return &fakeConn{id: id, seq: connSeq.Add(1)}
}

func (c *fakeConn) ID() string  { return c.id }
func (c *fakeConn) Seq() uint64 { return c.seq }

func (c *fakeConn) Deliver(env signal.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed != ""
}

func (c *fakeConn) kinds() []signal.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]signal.Kind, len(c.got))
	for i, e := range c.got {
		out[i] = e.Kind
	}
	return out
}

func (c *fakeConn) last(t *testing.T) signal.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.got)
	return c.got[len(c.got)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = nil
}

func join(t *testing.T, r *Registry, room, peer, user, instance string, conn *fakeConn) (JoinResult, error) {
	t.Helper()
	return r.Join(JoinRequest{
		RoomID: room,
		PeerID: peer,
		Join:   signal.JoinPayload{PeerName: peer, UserID: user, InstanceID: instance, HasAudio: true, HasVideo: true},
		Conn:   conn,
	})
}

func peerJoined(t *testing.T, env signal.Envelope) signal.PeerJoinedPayload {
	t.Helper()
	require.Equal(t, signal.KindPeerJoined, env.Kind)
	var p signal.PeerJoinedPayload
	require.NoError(t, env.Decode(&p))
	return p
}

func TestJoinFanOut(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	a, b := newConn("ca"), newConn("cb")

	_, err := join(t, r, "r1", "peer-a", "ua", "ia", a)
	require.NoError(t, err)
	assert.Empty(t, a.kinds(), "first joiner has nobody to hear about")

	_, err = join(t, r, "r1", "peer-b", "ub", "ib", b)
	require.NoError(t, err)

	toA := peerJoined(t, a.last(t))
	toB := peerJoined(t, b.last(t))
	assert.Equal(t, "peer-b", toA.PeerID)
	assert.Equal(t, "peer-a", toB.PeerID)
	// peer-b > peer-a, so b offers and a waits.
	assert.True(t, toB.ShouldCreateOffer)
	assert.False(t, toA.ShouldCreateOffer)
	assert.Equal(t, 2, r.Count("r1"))
}

func TestJoinOrderInitiator(t *testing.T) {
	r := New(ByJoinOrder, zaptest.NewLogger(t))
	a, b := newConn("ca"), newConn("cb")
	_, err := join(t, r, "r1", "zed", "", "", a)
	require.NoError(t, err)
	_, err = join(t, r, "r1", "amy", "", "", b)
	require.NoError(t, err)

	assert.False(t, peerJoined(t, a.last(t)).ShouldCreateOffer)
	assert.True(t, peerJoined(t, b.last(t)).ShouldCreateOffer, "second joiner offers")
}

func TestThirdJoinRejected(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	_, _ = join(t, r, "r1", "a", "ua", "", newConn("c1"))
	_, _ = join(t, r, "r1", "b", "ub", "", newConn("c2"))

	c := newConn("c3")
	_, err := join(t, r, "r1", "c", "uc", "", c)
	require.ErrorIs(t, err, callerr.ErrRoomFull)

	env := c.last(t)
	assert.Equal(t, signal.KindError, env.Kind)
	var p signal.ErrorPayload
	require.NoError(t, env.Decode(&p))
	assert.Equal(t, signal.CodeRoomFull, p.Code)
	assert.Equal(t, 2, r.Count("r1"))
}

func TestCrossDeviceSwitch(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	laptop, bob, phone := newConn("laptop"), newConn("bob"), newConn("phone")
	_, _ = join(t, r, "r1", "a-laptop", "alice", "i1", laptop)
	_, _ = join(t, r, "r1", "b", "bob", "i2", bob)
	bob.reset()

	res, err := join(t, r, "r1", "a-phone", "alice", "i3", phone)
	require.NoError(t, err)
	assert.Equal(t, reconnect.CrossDevice, res.Decision.Scenario)
	require.NotNil(t, res.Evicted)
	assert.Equal(t, "a-laptop", res.Evicted.PeerID)

	// Old device is told and closed.
	last := laptop.last(t)
	assert.Equal(t, signal.KindPeerReplaced, last.Kind)
	var rp signal.PeerReplacedPayload
	require.NoError(t, last.Decode(&rp))
	assert.Equal(t, signal.ReasonCrossDevice, rp.Reason)
	assert.NotEmpty(t, laptop.closed)

	// The other member sees the old identity leave, then the new one arrive.
	assert.Equal(t, []signal.Kind{signal.KindPeerLeft, signal.KindPeerJoined}, bob.kinds())
	assert.Equal(t, "a-phone", peerJoined(t, bob.last(t)).PeerID)

	// Exactly one live session for alice.
	info, ok := r.Room("r1")
	require.True(t, ok)
	var alices int
	for _, p := range info.Peers {
		if p.UserID == "alice" {
			alices++
		}
	}
	assert.Equal(t, 1, alices)

	// The stale laptop connection closing later does not remove anything.
	_, removed := r.Leave("r1", "a-laptop", "laptop")
	assert.False(t, removed)
	assert.Equal(t, 2, r.Count("r1"))
}

func TestLocalReload(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	oldTab, bob, newTab := newConn("tab-1"), newConn("bob"), newConn("tab-2")
	_, _ = join(t, r, "r1", "a", "alice", "load-1", oldTab)
	_, _ = join(t, r, "r1", "b", "bob", "load-b", bob)
	bob.reset()

	res, err := join(t, r, "r1", "a", "alice", "load-2", newTab)
	require.NoError(t, err)
	assert.Equal(t, reconnect.LocalReload, res.Decision.Scenario)
	assert.Equal(t, signal.KindPeerReplaced, oldTab.last(t).Kind)

	// Bob hears exactly one peer-joined and no peer-left.
	assert.Equal(t, []signal.Kind{signal.KindPeerJoined}, bob.kinds())
	assert.Equal(t, "load-2", peerJoined(t, bob.last(t)).InstanceID)

	got, ok := r.Lookup("r1", "a")
	require.True(t, ok)
	assert.Equal(t, "tab-2", got.ConnID())
}

func TestTransportReopenResumes(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	first, bob, second := newConn("ws-1"), newConn("bob"), newConn("ws-2")
	_, _ = join(t, r, "r1", "a", "alice", "load-1", first)
	_, _ = join(t, r, "r1", "b", "bob", "load-b", bob)
	bob.reset()

	res, err := join(t, r, "r1", "a", "alice", "load-1", second)
	require.NoError(t, err)
	assert.Equal(t, reconnect.TransportReopen, res.Decision.Scenario)
	assert.Nil(t, res.Evicted)
	assert.NotEmpty(t, first.closed)
	assert.NotContains(t, first.kinds(), signal.KindPeerReplaced)
	assert.Equal(t, "load-1", peerJoined(t, bob.last(t)).InstanceID)
}

func TestStaleJoinRejected(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	older := newConn("older")
	newer := newConn("newer")

	_, err := join(t, r, "r1", "a", "alice", "load-2", newer)
	require.NoError(t, err)

	_, err = join(t, r, "r1", "a", "alice", "load-1", older)
	require.ErrorIs(t, err, callerr.ErrReplaced)
	assert.NotEmpty(t, older.closed)

	got, _ := r.Lookup("r1", "a")
	assert.Equal(t, "newer", got.ConnID())
}

func TestJoinOnClosedConnection(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	dead := newConn("dead")
	dead.Close("transport closed")

	_, err := join(t, r, "r1", "a", "alice", "load-1", dead)
	require.ErrorIs(t, err, ErrConnClosed)
	assert.Equal(t, 0, r.Count("r1"))
	assert.Empty(t, r.Rooms())

	// Both slots stay free for live joiners.
	_, err = join(t, r, "r1", "a", "alice", "load-2", newConn("live-a"))
	require.NoError(t, err)
	_, err = join(t, r, "r1", "b", "bob", "load-b", newConn("live-b"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Count("r1"))
}

func TestLeaveAndRoomLifecycle(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	a, b := newConn("ca"), newConn("cb")
	_, _ = join(t, r, "r1", "a", "", "", a)
	_, _ = join(t, r, "r1", "b", "", "", b)

	res, ok := r.Leave("r1", "a", "ca")
	require.True(t, ok)
	assert.False(t, res.RoomEmpty)
	assert.Equal(t, signal.KindPeerLeft, b.last(t).Kind)

	res, ok = r.Leave("r1", "b", "cb")
	require.True(t, ok)
	assert.True(t, res.RoomEmpty)
	assert.Empty(t, r.Rooms())

	// A destroyed room is recreated on the next join.
	_, err := join(t, r, "r1", "c", "", "", newConn("cc"))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count("r1"))
}

func TestRoute(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	a, b := newConn("ca"), newConn("cb")
	_, _ = join(t, r, "r1", "a", "", "", a)
	_, _ = join(t, r, "r1", "b", "", "", b)
	b.reset()

	offer := signal.MustNew(signal.KindOffer, "r1", "a", "b", signal.SDPPayload{SDP: "v=0"})
	require.NoError(t, r.Route(offer, "ca"))
	assert.Equal(t, signal.KindOffer, b.last(t).Kind)

	chat := signal.MustNew(signal.KindChat, "r1", "a", "", signal.ChatPayload{Text: "hi"})
	require.NoError(t, r.Route(chat, "ca"))
	assert.Equal(t, signal.KindChat, b.last(t).Kind)

	assert.ErrorIs(t, r.Route(offer, "not-a"), ErrNotMember)
	ghost := signal.MustNew(signal.KindAnswer, "r1", "a", "ghost", signal.SDPPayload{SDP: "v=0"})
	assert.ErrorIs(t, r.Route(ghost, "ca"), ErrUnknownTarget)
}

func TestEvict(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))
	a, b := newConn("ca"), newConn("cb")
	_, _ = join(t, r, "r1", "a", "", "", a)
	_, _ = join(t, r, "r1", "b", "", "", b)

	_, ok := r.Evict("r1", "a")
	require.True(t, ok)
	assert.Equal(t, signal.KindPeerReplaced, a.last(t).Kind)
	assert.Equal(t, "evicted", a.closed)
	assert.Equal(t, signal.KindPeerLeft, b.last(t).Kind)
	assert.Equal(t, 1, r.Count("r1"))
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	var admitted, full atomic.Int32
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := join(t, r, "busy", fmt.Sprintf("p%02d", i), fmt.Sprintf("u%02d", i), "", newConn(fmt.Sprintf("c%02d", i)))
			switch {
			case err == nil:
				admitted.Add(1)
			case assert.ErrorIs(t, err, callerr.ErrRoomFull):
				full.Add(1)
			}
			assert.LessOrEqual(t, r.Count("busy"), Capacity)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), admitted.Load())
	assert.Equal(t, int32(62), full.Load())
	assert.Equal(t, 2, r.Count("busy"))
}

func TestConcurrentSameUserLeavesOneSession(t *testing.T) {
	r := New(ByPeerID, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = join(t, r, "r1", fmt.Sprintf("device-%d", i), "alice", fmt.Sprintf("i%d", i), newConn(fmt.Sprintf("c%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Count("r1"))
}

func TestInitiatorRule(t *testing.T) {
	f, err := InitiatorRule("join-order")
	require.NoError(t, err)
	assert.True(t, f(&Session{PeerID: "a"}, &Session{PeerID: "b"}))

	_, err = InitiatorRule("dice")
	assert.Error(t, err)
}
