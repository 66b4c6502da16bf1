package datachannel

import (
	"encoding/json"
	"time"
)

// Channel labels. The set is fixed; a pair is ready only when all are open.
const (
	LabelControl    = "control"
	LabelChat       = "chat"
	LabelWhiteboard = "whiteboard"
	LabelFile       = "file"
)

var Labels = []string{LabelControl, LabelChat, LabelWhiteboard, LabelFile}

type ControlType string

const (
	ControlHandRaise      ControlType = "hand-raise"
	ControlMuteStatus     ControlType = "mute-status"
	ControlWhiteboardOpen ControlType = "whiteboard-open"
	ControlFileAnnounce   ControlType = "file-announce"
	ControlFileAck        ControlType = "file-ack"
	ControlFileAbort      ControlType = "file-abort"
)

// ControlMessage is one JSON message on the control channel. Only the
// fields belonging to Type are set.
type ControlMessage struct {
	Type ControlType `json:"type"`

	Raised     bool `json:"raised,omitempty"`
	AudioMuted bool `json:"audioMuted,omitempty"`
	VideoMuted bool `json:"videoMuted,omitempty"`
	Open       bool `json:"open,omitempty"`

	FileID    string `json:"fileId,omitempty"`
	Name      string `json:"name,omitempty"`
	Size      int64  `json:"size,omitempty"`
	ChunkSize int    `json:"chunkSize,omitempty"`
	Received  int64  `json:"received,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ChatMessage is one JSON message on the chat channel.
type ChatMessage struct {
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
}

func (c ChatMessage) Time() time.Time { return time.UnixMilli(c.Timestamp) }

// WhiteboardDelta is an opaque canvas operation.
type WhiteboardDelta = json.RawMessage

// chunkFrame is one msgpack frame on the file channel.
type chunkFrame struct {
	FileID string `msgpack:"fileId"`
	Seq    uint32 `msgpack:"seq"`
	Data   []byte `msgpack:"data"`
}
