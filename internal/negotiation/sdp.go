package negotiation

import (
	"errors"
	"fmt"

	"github.com/pion/sdp/v3"
)

// ValidateSDP rejects descriptions that do not parse or carry no media.
func ValidateSDP(raw string) error {
	var d sdp.SessionDescription
	if err := d.Unmarshal([]byte(raw)); err != nil {
		return fmt.Errorf("parse sdp: %w", err)
	}
	if len(d.MediaDescriptions) == 0 {
		return errors.New("sdp has no media sections")
	}
	return nil
}

// ICEUfrag returns the ICE username fragment, session level first. A change
// between two remote offers means the remote side restarted ICE.
func ICEUfrag(raw string) (string, error) {
	var d sdp.SessionDescription
	if err := d.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("parse sdp: %w", err)
	}
	if v, ok := d.Attribute("ice-ufrag"); ok {
		return v, nil
	}
	for _, m := range d.MediaDescriptions {
		if v, ok := m.Attribute("ice-ufrag"); ok {
			return v, nil
		}
	}
	return "", errors.New("sdp has no ice-ufrag")
}
