// Package reconnect classifies joins and disconnects into recovery scenarios.
// The server consults Classify before mutating the room registry; clients
// consult ClassifyPeerEvent before touching their peer connection.
package reconnect

// Action is what the registry does with an incoming join.
type Action int

const (
	Admit Action = iota
	Resume
	Replace
	Reject
)

func (a Action) String() string {
	switch a {
	case Admit:
		return "admit"
	case Resume:
		return "resume"
	case Replace:
		return "replace"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Scenario names the situation that produced the action.
type Scenario int

const (
	FreshJoin Scenario = iota
	// DuplicateJoin is a second join on a connection that is already registered.
	DuplicateJoin
	// TransportReopen is the same page instance on a new signaling connection.
	TransportReopen
	// LocalReload is the same tab (persisted peer id) after a page reload.
	LocalReload
	// CrossDevice is the same user joining with a different peer id.
	CrossDevice
	// StaleJoin is a join from a connection older than the live session's.
	StaleJoin
	RoomFull
)

func (s Scenario) String() string {
	switch s {
	case FreshJoin:
		return "fresh-join"
	case DuplicateJoin:
		return "duplicate-join"
	case TransportReopen:
		return "transport-reopen"
	case LocalReload:
		return "local-reload"
	case CrossDevice:
		return "cross-device"
	case StaleJoin:
		return "stale-join"
	case RoomFull:
		return "room-full"
	default:
		return "unknown"
	}
}

// Session is the identity view of a live room member.
type Session struct {
	PeerID     string
	UserID     string
	InstanceID string
	ConnID     string
	ConnSeq    uint64 // accept order of the connection, larger is newer
}

// Join is the identity view of an incoming join.
type Join struct {
	PeerID     string
	UserID     string
	InstanceID string
	ConnID     string
	ConnSeq    uint64
}

// Decision is the outcome of Classify. Target indexes the existing session
// being resumed or replaced, -1 otherwise.
type Decision struct {
	Action   Action
	Scenario Scenario
	Target   int
}

// Classify decides how a join relates to the sessions already in a room.
// It is pure: the caller holds the room lock and applies the decision.
func Classify(existing []Session, in Join, capacity int) Decision {
	for i, s := range existing {
		if s.PeerID != in.PeerID {
			continue
		}
		switch {
		case s.ConnID == in.ConnID:
			return Decision{Action: Resume, Scenario: DuplicateJoin, Target: i}
		case in.ConnSeq < s.ConnSeq:
			return Decision{Action: Reject, Scenario: StaleJoin, Target: i}
		case s.InstanceID != "" && s.InstanceID == in.InstanceID:
			return Decision{Action: Resume, Scenario: TransportReopen, Target: i}
		default:
			return Decision{Action: Replace, Scenario: LocalReload, Target: i}
		}
	}

	if in.UserID != "" {
		for i, s := range existing {
			if s.UserID != in.UserID {
				continue
			}
			if in.ConnSeq < s.ConnSeq {
				return Decision{Action: Reject, Scenario: StaleJoin, Target: i}
			}
			return Decision{Action: Replace, Scenario: CrossDevice, Target: i}
		}
	}

	if len(existing) >= capacity {
		return Decision{Action: Reject, Scenario: RoomFull, Target: -1}
	}
	return Decision{Action: Admit, Scenario: FreshJoin, Target: -1}
}
