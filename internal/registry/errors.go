package registry

import "errors"

var (
	// ErrNotMember means the sender is not the live session for its peer id.
	ErrNotMember = errors.New("not a room member")
	// ErrUnknownTarget means a unicast envelope named a peer not in the room.
	ErrUnknownTarget = errors.New("unknown target peer")
	// ErrConnClosed means the join arrived on a transport that already ended.
	ErrConnClosed = errors.New("connection already closed")
)
