package reconnect

// PeerAction is what a client does with its peer connection after a room
// membership event.
type PeerAction int

const (
	Ignore PeerAction = iota
	// NewPair builds a peer connection for a peer we had none for.
	NewPair
	// ResumePair keeps the existing peer connection untouched.
	ResumePair
	// ResetPair tears the existing connection down and negotiates from scratch.
	ResetPair
	// HoldPair keeps a still-connected pair alive for a grace window.
	HoldPair
	// DropPair closes the pair now.
	DropPair
	// Stop ends the local call; this client was replaced.
	Stop
)

func (a PeerAction) String() string {
	return [...]string{"ignore", "new-pair", "resume-pair", "reset-pair", "hold-pair", "drop-pair", "stop"}[a]
}

// RemotePeer is what a client knows about its current counterpart.
type RemotePeer struct {
	PeerID         string
	InstanceID     string
	MediaConnected bool
}

type EventKind int

const (
	PeerJoined EventKind = iota
	PeerLeft
	PeerReplaced
)

// PeerEvent is a membership envelope reduced to what classification needs.
type PeerEvent struct {
	Kind       EventKind
	PeerID     string
	InstanceID string
}

// ClassifyPeerEvent maps a membership event onto the local pair. self is
// this client's peer id; known is nil when no pair exists.
func ClassifyPeerEvent(self string, known *RemotePeer, ev PeerEvent) PeerAction {
	switch ev.Kind {
	case PeerReplaced:
		if ev.PeerID == self {
			return Stop
		}
		return Ignore
	case PeerJoined:
		if ev.PeerID == self {
			return Ignore
		}
		if known == nil {
			return NewPair
		}
		if known.PeerID == ev.PeerID && known.InstanceID == ev.InstanceID {
			return ResumePair
		}
		return ResetPair
	case PeerLeft:
		if known == nil || known.PeerID != ev.PeerID {
			return Ignore
		}
		if known.MediaConnected {
			return HoldPair
		}
		return DropPair
	}
	return Ignore
}
