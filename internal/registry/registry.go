// Package registry is the server-side Room Registry: the single source of
// truth for who is in which room. All membership changes for a room happen
// under that room's lock, including the envelopes they fan out.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/videolify/internal/callerr"
	"github.com/mikeyg42/videolify/internal/config"
	"github.com/mikeyg42/videolify/internal/logging"
	"github.com/mikeyg42/videolify/internal/reconnect"
	"github.com/mikeyg42/videolify/internal/signal"
)

// Capacity is the hard per-room limit.
const Capacity = 2

// Conn is the server's handle on one client transport. Deliver must not
// block: it is called with the room lock held. Closed must report true from
// the moment Close has been called.
type Conn interface {
	ID() string
	Seq() uint64
	Deliver(env signal.Envelope) error
	Close(reason string)
	Closed() bool
}

// Session is one peer admitted into a room.
type Session struct {
	RoomID     string
	PeerID     string
	UserID     string
	InstanceID string
	PeerName   string
	HasVideo   bool
	HasAudio   bool
	JoinedAt   time.Time

	conn Conn
}

// ConnID identifies the live transport behind the session.
func (s *Session) ConnID() string { return s.conn.ID() }

func (s *Session) identity() reconnect.Session {
	return reconnect.Session{
		PeerID:     s.PeerID,
		UserID:     s.UserID,
		InstanceID: s.InstanceID,
		ConnID:     s.conn.ID(),
		ConnSeq:    s.conn.Seq(),
	}
}

func (s *Session) joinedPayload(shouldOffer bool) signal.PeerJoinedPayload {
	return signal.PeerJoinedPayload{
		PeerID:            s.PeerID,
		UserID:            s.UserID,
		InstanceID:        s.InstanceID,
		PeerName:          s.PeerName,
		HasVideo:          s.HasVideo,
		HasAudio:          s.HasAudio,
		ShouldCreateOffer: shouldOffer,
	}
}

// JoinRequest is a validated join envelope plus the connection it arrived on.
type JoinRequest struct {
	RoomID string
	PeerID string
	Join   signal.JoinPayload
	Conn   Conn
}

// JoinResult describes what a join did.
type JoinResult struct {
	Decision reconnect.Decision
	Session  Session  // the admitted session
	Evicted  *Session // the session that was replaced, if any
}

// LeaveResult describes a removal.
type LeaveResult struct {
	Session   Session
	RoomEmpty bool
}

// InitiatorFunc decides whether the newcomer creates the offer towards member.
type InitiatorFunc func(newcomer, member *Session) bool

// ByPeerID makes the peer with the greater id the offerer. It matches the
// politeness rule, so the offerer is always the impolite side.
func ByPeerID(newcomer, member *Session) bool { return newcomer.PeerID > member.PeerID }

// ByJoinOrder makes the later joiner the offerer.
func ByJoinOrder(newcomer, member *Session) bool { return true }

// InitiatorRule maps a configured rule name onto an InitiatorFunc.
func InitiatorRule(name string) (InitiatorFunc, error) {
	switch name {
	case config.InitiatorByPeerID, "":
		return ByPeerID, nil
	case config.InitiatorByJoinOrder:
		return ByJoinOrder, nil
	default:
		return nil, fmt.Errorf("unknown initiator rule %q", name)
	}
}

type room struct {
	id      string
	mu      sync.Mutex
	members []*Session // join order
	closed  bool
	created time.Time
}

// Registry maps room ids to rooms. The zero value is not usable; use New.
type Registry struct {
	mu        sync.Mutex
	rooms     map[string]*room
	initiator InitiatorFunc
	now       func() time.Time
	logger    *zap.Logger
}

// New creates an empty registry.
func New(initiator InitiatorFunc, logger *zap.Logger) *Registry {
	if initiator == nil {
		initiator = ByPeerID
	}
	return &Registry{
		rooms:     make(map[string]*room),
		initiator: initiator,
		now:       time.Now,
		logger:    logging.Named(logger, "registry"),
	}
}

// lockRoom returns the live room for id, locked. A room closed between the
// map lookup and the lock is discarded and a fresh one is created.
func (r *Registry) lockRoom(id string, create bool) *room {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[id]
		if !ok {
			if !create {
				r.mu.Unlock()
				return nil
			}
			rm = &room{id: id, created: r.now()}
			r.rooms[id] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if !rm.closed {
			return rm
		}
		rm.mu.Unlock()
	}
}

// closeIfEmptyLocked retires an empty room. Caller holds rm.mu.
func (r *Registry) closeIfEmptyLocked(rm *room) bool {
	if len(rm.members) > 0 {
		return false
	}
	rm.closed = true
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
	return true
}

// Join classifies and applies a join. On RoomFull and stale joins the
// joiner is told why before the error is returned.
func (r *Registry) Join(req JoinRequest) (JoinResult, error) {
	rm := r.lockRoom(req.RoomID, true)
	defer rm.mu.Unlock()

	// A transport that ended before its join got here never takes a slot;
	// nothing would be left to remove it.
	if req.Conn.Closed() {
		r.closeIfEmptyLocked(rm)
		return JoinResult{}, fmt.Errorf("join %s as %s: %w", req.RoomID, req.PeerID, ErrConnClosed)
	}

	identities := make([]reconnect.Session, len(rm.members))
	for i, m := range rm.members {
		identities[i] = m.identity()
	}
	decision := reconnect.Classify(identities, reconnect.Join{
		PeerID:     req.PeerID,
		UserID:     req.Join.UserID,
		InstanceID: req.Join.InstanceID,
		ConnID:     req.Conn.ID(),
		ConnSeq:    req.Conn.Seq(),
	}, Capacity)

	log := r.logger.With(
		zap.String("room", req.RoomID),
		zap.String("peer", req.PeerID),
		zap.String("conn", req.Conn.ID()),
		zap.Stringer("action", decision.Action),
		zap.Stringer("scenario", decision.Scenario),
	)

	incoming := &Session{
		RoomID:     req.RoomID,
		PeerID:     req.PeerID,
		UserID:     req.Join.UserID,
		InstanceID: req.Join.InstanceID,
		PeerName:   req.Join.PeerName,
		HasVideo:   req.Join.HasVideo,
		HasAudio:   req.Join.HasAudio,
		JoinedAt:   r.now(),
		conn:       req.Conn,
	}
	result := JoinResult{Decision: decision}

	switch decision.Action {
	case reconnect.Reject:
		if decision.Scenario == reconnect.RoomFull {
			r.deliver(incoming, signal.MustNew(signal.KindError, rm.id, "", incoming.PeerID, signal.ErrorPayload{
				Code:    signal.CodeRoomFull,
				Message: fmt.Sprintf("room %s already has %d participants", rm.id, Capacity),
			}))
			log.Info("join rejected")
			r.closeIfEmptyLocked(rm)
			return result, callerr.New("join", callerr.ErrRoomFull)
		}
		r.deliver(incoming, signal.MustNew(signal.KindPeerReplaced, rm.id, "", incoming.PeerID, signal.PeerReplacedPayload{
			PeerID: incoming.PeerID,
			Reason: signal.ReasonEvicted,
		}))
		incoming.conn.Close("stale join")
		log.Info("join rejected")
		return result, callerr.Wrap("join", callerr.ErrReplaced, "a newer connection owns this identity")

	case reconnect.Admit:
		rm.members = append(rm.members, incoming)
		for _, m := range rm.members[:len(rm.members)-1] {
			r.announce(rm, m, incoming)
		}

	case reconnect.Resume:
		old := rm.members[decision.Target]
		if old.conn.ID() != incoming.conn.ID() {
			old.conn.Close("transport reopened")
		}
		incoming.JoinedAt = old.JoinedAt
		rm.members[decision.Target] = incoming
		if decision.Scenario == reconnect.TransportReopen {
			for _, m := range rm.members {
				if m != incoming {
					r.announce(rm, m, incoming)
				}
			}
		}

	case reconnect.Replace:
		old := rm.members[decision.Target]
		reason := signal.ReasonLocalReload
		if decision.Scenario == reconnect.CrossDevice {
			reason = signal.ReasonCrossDevice
		}
		// The evicted transport hears about it before anyone else learns of
		// the newcomer, and is closed before the newcomer is admitted.
		r.deliver(old, signal.MustNew(signal.KindPeerReplaced, rm.id, "", old.PeerID, signal.PeerReplacedPayload{
			PeerID: old.PeerID,
			Reason: reason,
		}))
		old.conn.Close("replaced: " + reason)
		evicted := *old
		result.Evicted = &evicted

		rm.members[decision.Target] = incoming
		for _, m := range rm.members {
			if m == incoming {
				continue
			}
			if decision.Scenario == reconnect.CrossDevice {
				r.deliver(m, signal.MustNew(signal.KindPeerLeft, rm.id, old.PeerID, m.PeerID, signal.PeerLeftPayload{PeerID: old.PeerID}))
			}
			r.announce(rm, m, incoming)
		}
	}

	// The joiner always learns the current roster, one peer-joined per member.
	for _, m := range rm.members {
		if m == incoming {
			continue
		}
		offer := r.initiator(incoming, m)
		r.deliver(incoming, signal.MustNew(signal.KindPeerJoined, rm.id, m.PeerID, incoming.PeerID, m.joinedPayload(offer)))
	}

	result.Session = *incoming
	log.Info("join applied", zap.Int("members", len(rm.members)))
	return result, nil
}

// announce tells member that newcomer is in the room.
func (r *Registry) announce(rm *room, member, newcomer *Session) {
	offer := !r.initiator(newcomer, member)
	r.deliver(member, signal.MustNew(signal.KindPeerJoined, rm.id, newcomer.PeerID, member.PeerID, newcomer.joinedPayload(offer)))
}

func (r *Registry) deliver(to *Session, env signal.Envelope) {
	if err := to.conn.Deliver(env); err != nil {
		r.logger.Warn("deliver failed",
			zap.String("room", env.RoomID),
			zap.String("peer", to.PeerID),
			zap.String("kind", string(env.Kind)),
			zap.Error(err))
	}
}

// Leave removes the session for peerID if connID is still its transport.
// A replaced connection closing late never removes its replacement.
func (r *Registry) Leave(roomID, peerID, connID string) (LeaveResult, bool) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return LeaveResult{}, false
	}
	defer rm.mu.Unlock()

	idx := -1
	for i, m := range rm.members {
		if m.PeerID == peerID && m.conn.ID() == connID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.closeIfEmptyLocked(rm)
		return LeaveResult{}, false
	}
	return r.removeLocked(rm, idx), true
}

// Evict forcibly removes a peer, telling it why.
func (r *Registry) Evict(roomID, peerID string) (LeaveResult, bool) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return LeaveResult{}, false
	}
	defer rm.mu.Unlock()

	for i, m := range rm.members {
		if m.PeerID != peerID {
			continue
		}
		r.deliver(m, signal.MustNew(signal.KindPeerReplaced, rm.id, "", m.PeerID, signal.PeerReplacedPayload{
			PeerID: m.PeerID,
			Reason: signal.ReasonEvicted,
		}))
		m.conn.Close("evicted")
		return r.removeLocked(rm, i), true
	}
	r.closeIfEmptyLocked(rm)
	return LeaveResult{}, false
}

func (r *Registry) removeLocked(rm *room, idx int) LeaveResult {
	gone := rm.members[idx]
	rm.members = append(rm.members[:idx], rm.members[idx+1:]...)
	for _, m := range rm.members {
		r.deliver(m, signal.MustNew(signal.KindPeerLeft, rm.id, gone.PeerID, m.PeerID, signal.PeerLeftPayload{PeerID: gone.PeerID}))
	}
	empty := r.closeIfEmptyLocked(rm)
	r.logger.Info("peer left",
		zap.String("room", rm.id),
		zap.String("peer", gone.PeerID),
		zap.Bool("room_empty", empty))
	return LeaveResult{Session: *gone, RoomEmpty: empty}
}

// Route delivers a relayed envelope: to ToPeerID when set, otherwise to every
// other member. The sender must be the live session for its peer id.
func (r *Registry) Route(env signal.Envelope, connID string) error {
	rm := r.lockRoom(env.RoomID, false)
	if rm == nil {
		return fmt.Errorf("room %s: %w", env.RoomID, ErrNotMember)
	}
	defer rm.mu.Unlock()

	var sender *Session
	for _, m := range rm.members {
		if m.PeerID == env.FromPeerID && m.conn.ID() == connID {
			sender = m
			break
		}
	}
	if sender == nil {
		return fmt.Errorf("peer %s in room %s: %w", env.FromPeerID, env.RoomID, ErrNotMember)
	}

	delivered := false
	for _, m := range rm.members {
		if m == sender {
			continue
		}
		if env.ToPeerID != "" && env.ToPeerID != m.PeerID {
			continue
		}
		r.deliver(m, env)
		delivered = true
	}
	if env.ToPeerID != "" && !delivered {
		return fmt.Errorf("peer %s in room %s: %w", env.ToPeerID, env.RoomID, ErrUnknownTarget)
	}
	return nil
}

// Lookup returns the session for peerID.
func (r *Registry) Lookup(roomID, peerID string) (Session, bool) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return Session{}, false
	}
	defer rm.mu.Unlock()
	for _, m := range rm.members {
		if m.PeerID == peerID {
			return *m, true
		}
	}
	return Session{}, false
}

// Count returns the number of sessions in a room.
func (r *Registry) Count(roomID string) int {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return 0
	}
	defer rm.mu.Unlock()
	return len(rm.members)
}

// PeerInfo is the public view of a session.
type PeerInfo struct {
	PeerID   string    `json:"peerId"`
	UserID   string    `json:"userId,omitempty"`
	PeerName string    `json:"peerName"`
	HasVideo bool      `json:"hasVideo"`
	HasAudio bool      `json:"hasAudio"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomInfo is the public view of a room.
type RoomInfo struct {
	RoomID    string     `json:"roomId"`
	CreatedAt time.Time  `json:"createdAt"`
	Peers     []PeerInfo `json:"peers"`
}

func (rm *room) infoLocked() RoomInfo {
	info := RoomInfo{RoomID: rm.id, CreatedAt: rm.created, Peers: make([]PeerInfo, 0, len(rm.members))}
	for _, m := range rm.members {
		info.Peers = append(info.Peers, PeerInfo{
			PeerID:   m.PeerID,
			UserID:   m.UserID,
			PeerName: m.PeerName,
			HasVideo: m.HasVideo,
			HasAudio: m.HasAudio,
			JoinedAt: m.JoinedAt,
		})
	}
	return info
}

// Room returns a snapshot of one room.
func (r *Registry) Room(roomID string) (RoomInfo, bool) {
	rm := r.lockRoom(roomID, false)
	if rm == nil {
		return RoomInfo{}, false
	}
	defer rm.mu.Unlock()
	if len(rm.members) == 0 {
		return RoomInfo{}, false
	}
	return rm.infoLocked(), true
}

// Rooms returns a snapshot of every room, sorted by id.
func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	out := make([]RoomInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := r.Room(id); ok {
			out = append(out, info)
		}
	}
	return out
}
