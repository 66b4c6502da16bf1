package negotiation

import (
	"strconv"

	"github.com/pion/webrtc/v4"
)

const maxQueuedCandidates = 4096

type candidateKey struct {
	candidate string
	mid       string
	mline     string
}

func keyOf(c webrtc.ICECandidateInit) candidateKey {
	k := candidateKey{candidate: c.Candidate}
	if c.SDPMid != nil {
		k.mid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		k.mline = strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return k
}

// CandidateQueue holds remote candidates until a remote description exists
// and drops duplicates.
type CandidateQueue struct {
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	seen      map[candidateKey]struct{}
}

func NewCandidateQueue() *CandidateQueue {
	return &CandidateQueue{seen: make(map[candidateKey]struct{})}
}

// Add reports whether c should be applied now. Duplicates and candidates
// queued for later return false.
func (q *CandidateQueue) Add(c webrtc.ICECandidateInit) bool {
	k := keyOf(c)
	if _, dup := q.seen[k]; dup {
		return false
	}
	q.seen[k] = struct{}{}
	if q.remoteSet {
		return true
	}
	if len(q.pending) < maxQueuedCandidates {
		q.pending = append(q.pending, c)
	}
	return false
}

// RemoteDescriptionSet returns the buffered candidates in arrival order.
func (q *CandidateQueue) RemoteDescriptionSet() []webrtc.ICECandidateInit {
	q.remoteSet = true
	out := q.pending
	q.pending = nil
	return out
}

// Pending is the number of buffered candidates.
func (q *CandidateQueue) Pending() int { return len(q.pending) }

// Reset starts a new ICE generation.
func (q *CandidateQueue) Reset() {
	q.remoteSet = false
	q.pending = nil
	q.seen = make(map[candidateKey]struct{})
}
