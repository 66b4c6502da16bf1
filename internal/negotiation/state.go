// Package negotiation runs offer/answer exchange and ICE candidate trickle
// for one peer pair, resolving glare with a fixed polite/impolite split.
package negotiation

import (
	"errors"
	"fmt"
)

// State is the pair's negotiation state. The concrete types carry the
// descriptions that belong to each state.
type State interface {
	Name() string
	isState()
}

type Idle struct{}

type HaveLocalOffer struct {
	SDP        string
	ICERestart bool
}

type HaveRemoteOffer struct {
	SDP string
}

type Stable struct {
	Local  string
	Remote string
}

type Closed struct{}

func (Idle) Name() string            { return "idle" }
func (HaveLocalOffer) Name() string  { return "have-local-offer" }
func (HaveRemoteOffer) Name() string { return "have-remote-offer" }
func (Stable) Name() string          { return "stable" }
func (Closed) Name() string          { return "closed" }

func (Idle) isState()            {}
func (HaveLocalOffer) isState()  {}
func (HaveRemoteOffer) isState() {}
func (Stable) isState()          {}
func (Closed) isState()          {}

// OfferResponse says how to treat an incoming offer.
type OfferResponse int

const (
	Accept OfferResponse = iota
	Ignore
	RollbackThenAccept
)

func (r OfferResponse) String() string {
	switch r {
	case Accept:
		return "accept"
	case Ignore:
		return "ignore"
	case RollbackThenAccept:
		return "rollback-then-accept"
	default:
		return fmt.Sprintf("OfferResponse(%d)", int(r))
	}
}

var (
	ErrInvalidTransition = errors.New("invalid negotiation transition")
	ErrClosed            = errors.New("negotiation closed")
)

// Polite reports whether local yields in a glare. The peer with the smaller
// id is polite, so exactly one side of every pair is.
func Polite(local, remote string) bool { return local < remote }

// Initiator reports whether local makes the first offer under the peer-id
// rule. The initiator is always the impolite side.
func Initiator(local, remote string) bool { return local > remote }
