// Package signal defines the signaling wire format exchanged between call
// clients and the relay. Every message is one JSON object.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Kind discriminates envelopes.
type Kind string

const (
	KindJoin         Kind = "join"
	KindLeave        Kind = "leave"
	KindPeerJoined   Kind = "peer-joined"
	KindPeerLeft     Kind = "peer-left"
	KindPeerReplaced Kind = "peer-replaced"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindPeerStatus   Kind = "peer-status"
	KindChat         Kind = "chat"
	KindFileInfo     Kind = "file-info"
	KindError        Kind = "error"
)

// Relayed reports whether the relay forwards this kind between peers as
// opposed to consuming or originating it itself.
func (k Kind) Relayed() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate, KindPeerStatus, KindChat, KindFileInfo:
		return true
	}
	return false
}

// Unicast reports whether the kind must carry a ToPeerID.
func (k Kind) Unicast() bool {
	switch k {
	case KindOffer, KindAnswer, KindICECandidate:
		return true
	}
	return false
}

// Envelope is the common frame for every signaling message.
type Envelope struct {
	Kind       Kind            `json:"type"`
	RoomID     string          `json:"roomId"`
	FromPeerID string          `json:"fromPeerId"`
	ToPeerID   string          `json:"toPeerId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with payload marshalled to JSON.
func New(kind Kind, roomID, from, to string, payload any) (Envelope, error) {
	env := Envelope{Kind: kind, RoomID: roomID, FromPeerID: from, ToPeerID: to}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustNew is New for payload types that always marshal.
func MustNew(kind Kind, roomID, from, to string, payload any) Envelope {
	env, err := New(kind, roomID, from, to, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Validate checks the fields every envelope from a client must carry.
func (e Envelope) Validate() error {
	if e.Kind == "" {
		return fmt.Errorf("envelope missing type")
	}
	if e.RoomID == "" {
		return fmt.Errorf("%s envelope missing roomId", e.Kind)
	}
	if e.Kind.Unicast() && e.ToPeerID == "" {
		return fmt.Errorf("%s envelope missing toPeerId", e.Kind)
	}
	return nil
}

// Parse decodes and validates one wire message.
func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, env.Validate()
}

type JoinPayload struct {
	PeerName   string `json:"peerName"`
	UserID     string `json:"userId"`
	InstanceID string `json:"instanceId"`
	HasVideo   bool   `json:"hasVideo"`
	HasAudio   bool   `json:"hasAudio"`
}

type PeerJoinedPayload struct {
	PeerID            string `json:"peerId"`
	UserID            string `json:"userId"`
	InstanceID        string `json:"instanceId"`
	PeerName          string `json:"peerName"`
	HasVideo          bool   `json:"hasVideo"`
	HasAudio          bool   `json:"hasAudio"`
	ShouldCreateOffer bool   `json:"shouldCreateOffer"`
}

type PeerLeftPayload struct {
	PeerID string `json:"peerId"`
}

// Reasons carried by peer-replaced.
const (
	ReasonLocalReload = "reloaded"
	ReasonCrossDevice = "logged-in-elsewhere"
	ReasonEvicted     = "evicted"
)

type PeerReplacedPayload struct {
	PeerID string `json:"peerId"`
	Reason string `json:"reason"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload carries a trickled candidate. A nil Candidate is never
// sent; end-of-candidates is implicit.
type ICECandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type PeerStatusPayload struct {
	Element string `json:"element"` // "audio", "video", "screen", "hand"
	Status  string `json:"status"`  // "on", "off", "raised", "lowered"
}

// ChatPayload is a chat line relayed through signaling. SenderName is the
// sender's display name.
type ChatPayload struct {
	Text       string `json:"text"`
	SenderName string `json:"senderName,omitempty"`
}

// FileInfoPayload tells the other participant a file is on its way over the
// file channel.


type FileInfoPayload struct {
	FileID string `json:"fileId"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
}

// Error codes sent in error envelopes.
const (
	CodeRoomFull    = "room-full"
	CodeBadRequest  = "bad-request"
	CodeRateLimited = "rate-limited"
	CodeNotJoined   = "not-joined"
)

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
