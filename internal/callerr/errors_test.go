package callerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWrapping(t *testing.T) {
	err := Wrap("send chat", ErrChannelNotReady, "chat is connecting")

	assert.ErrorIs(t, err, ErrChannelNotReady)
	assert.Equal(t, "send chat: channel not ready (chat is connecting)", err.Error())

	var ce *Error
	assert.True(t, errors.As(fmt.Errorf("outer: %w", err), &ce))
	assert.Equal(t, "send chat", ce.Op)
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"nil", nil, false},
		{"room full", ErrRoomFull, true},
		{"wrapped timeout", New("negotiate", ErrNegotiationTimeout), true},
		{"replaced", ErrReplaced, true},
		{"signaling", ErrSignalingUnavailable, true},
		{"channel not ready", ErrChannelNotReady, false},
		{"permission denied", ErrPermissionDenied, false},
		{"transfer aborted", Wrap("receive", ErrTransferAborted, "size mismatch"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.fatal, IsFatal(tt.err))
		})
	}
}

func TestCodeRoundTrip(t *testing.T) {
	for _, err := range []error{ErrRoomFull, ErrUnauthorized, ErrReplaced} {
		assert.ErrorIs(t, FromCode(Code(err)), err)
	}
	assert.Nil(t, FromCode("bad-request"))
}
