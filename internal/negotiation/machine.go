package negotiation

import "fmt"

// Machine is the pure offer/answer state machine. It never touches a peer
// connection; the Engine applies its decisions.
type Machine struct {
	polite bool
	state  State

	offers int // local offers since the last stable
	rounds int // completed offer/answer exchanges
}

func NewMachine(polite bool) *Machine {
	return &Machine{polite: polite, state: Idle{}}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Polite() bool { return m.polite }

// OffersThisRound counts local offers made since the pair was last stable.
func (m *Machine) OffersThisRound() int { return m.offers }

// Rounds counts completed exchanges.
func (m *Machine) Rounds() int { return m.rounds }

func (m *Machine) invalid(op string) error {
	return fmt.Errorf("%s in %s: %w", op, m.state.Name(), ErrInvalidTransition)
}

// LocalOffer records an offer we sent. A pending offer may only be replaced
// by an ICE restart.
func (m *Machine) LocalOffer(sdp string, iceRestart bool) error {
	switch m.state.(type) {
	case Idle, Stable:
	case HaveLocalOffer:
		if !iceRestart {
			return m.invalid("local offer")
		}
	case Closed:
		return ErrClosed
	default:
		return m.invalid("local offer")
	}
	m.state = HaveLocalOffer{SDP: sdp, ICERestart: iceRestart}
	m.offers++
	return nil
}

// RemoteOffer applies glare resolution to an incoming offer. On Ignore the
// state is unchanged.
func (m *Machine) RemoteOffer(sdp string) (OfferResponse, error) {
	switch m.state.(type) {
	case Idle, Stable, HaveRemoteOffer:
		m.state = HaveRemoteOffer{SDP: sdp}
		return Accept, nil
	case HaveLocalOffer:
		if !m.polite {
			return Ignore, nil
		}
		m.state = HaveRemoteOffer{SDP: sdp}
		return RollbackThenAccept, nil
	case Closed:
		return Ignore, ErrClosed
	default:
		return Ignore, m.invalid("remote offer")
	}
}

// LocalAnswer completes an exchange we answered.
func (m *Machine) LocalAnswer(sdp string) error {
	st, ok := m.state.(HaveRemoteOffer)
	if !ok {
		if _, closed := m.state.(Closed); closed {
			return ErrClosed
		}
		return m.invalid("local answer")
	}
	m.stable(Stable{Local: sdp, Remote: st.SDP})
	return nil
}

// RemoteAnswer completes an exchange we offered. An answer in any other
// state is stale.
func (m *Machine) RemoteAnswer(sdp string) error {
	st, ok := m.state.(HaveLocalOffer)
	if !ok {
		if _, closed := m.state.(Closed); closed {
			return ErrClosed
		}
		return m.invalid("remote answer")
	}
	m.stable(Stable{Local: st.SDP, Remote: sdp})
	return nil
}

func (m *Machine) stable(s Stable) {
	m.state = s
	m.offers = 0
	m.rounds++
}

func (m *Machine) Close() { m.state = Closed{} }
