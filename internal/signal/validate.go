package signal

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

const (
	MaxIDLength   = 128
	MaxNameLength = 256
	MaxChatLength = 4096
)

var idRegex = regexp.MustCompile(`^[A-Za-z0-9._:@+\-]+$`)

// ValidateID checks room, peer and instance identifiers.
func ValidateID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if len(value) > MaxIDLength {
		return fmt.Errorf("%s too long (max %d characters)", field, MaxIDLength)
	}
	if !idRegex.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters", field)
	}
	return nil
}

// ValidateJoin checks a join envelope's identity fields.
func ValidateJoin(env Envelope, p JoinPayload) error {
	if err := ValidateID("roomId", env.RoomID); err != nil {
		return err
	}
	if err := ValidateID("fromPeerId", env.FromPeerID); err != nil {
		return err
	}
	if p.UserID != "" {
		if err := ValidateID("userId", p.UserID); err != nil {
			return err
		}
	}
	if p.InstanceID != "" {
		if err := ValidateID("instanceId", p.InstanceID); err != nil {
			return err
		}
	}
	if !utf8.ValidString(p.PeerName) || len(p.PeerName) > MaxNameLength {
		return fmt.Errorf("peerName must be valid UTF-8 of at most %d bytes", MaxNameLength)
	}
	return nil
}
