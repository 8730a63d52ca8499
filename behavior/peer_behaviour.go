package behavior

import (
	"fmt"

	"github.com/celestiaorg/chainsync/p2p"
)

// Reason characterizes the misbehavior a peer is reported for.
type Reason uint8

const (
	// ReasonBadMessage is reported for an undecodable or malformed response.
	ReasonBadMessage Reason = iota + 1
	// ReasonBadHeaders is reported for headers that fail validation.
	ReasonBadHeaders
	// ReasonBadBodies is reported for bodies that fail validation.
	ReasonBadBodies
	// ReasonTimeout is reported when a peer does not answer in time.
	ReasonTimeout
	// ReasonBadProtocol is reported when a peer does not serve a request type
	// it advertised.
	ReasonBadProtocol
)

// Penalty is the number of reputation points a peer loses for r.
func (r Reason) Penalty() int {
	switch r {
	case ReasonBadMessage:
		return 25
	case ReasonBadHeaders, ReasonBadBodies:
		return 50
	case ReasonTimeout:
		return 10
	case ReasonBadProtocol:
		return 100
	default:
		return 0
	}
}

func (r Reason) String() string {
	switch r {
	case ReasonBadMessage:
		return "bad message"
	case ReasonBadHeaders:
		return "bad headers"
	case ReasonBadBodies:
		return "bad bodies"
	case ReasonTimeout:
		return "timeout"
	case ReasonBadProtocol:
		return "bad protocol"
	default:
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
}

// PeerBehavior is a struct describing a behavior a peer performed.
// `PeerID` identifies the peer and Reason characterizes the specific
// behavior performed by the peer.
type PeerBehavior struct {
	PeerID      p2p.ID
	Reason      Reason
	Explanation string
}

func (pb PeerBehavior) String() string {
	return fmt.Sprintf("%v: %v (%s)", pb.PeerID, pb.Reason, pb.Explanation)
}

// BadMessage returns a bad message PeerBehavior.
func BadMessage(peerID p2p.ID, explanation string) PeerBehavior {
	return PeerBehavior{PeerID: peerID, Reason: ReasonBadMessage, Explanation: explanation}
}

// BadHeaders returns a bad headers PeerBehavior.
func BadHeaders(peerID p2p.ID, explanation string) PeerBehavior {
	return PeerBehavior{PeerID: peerID, Reason: ReasonBadHeaders, Explanation: explanation}
}

// BadBodies returns a bad bodies PeerBehavior.
func BadBodies(peerID p2p.ID, explanation string) PeerBehavior {
	return PeerBehavior{PeerID: peerID, Reason: ReasonBadBodies, Explanation: explanation}
}

// Timeout returns a timeout PeerBehavior.
func Timeout(peerID p2p.ID, explanation string) PeerBehavior {
	return PeerBehavior{PeerID: peerID, Reason: ReasonTimeout, Explanation: explanation}
}

// BadProtocol returns a bad protocol PeerBehavior.
func BadProtocol(peerID p2p.ID, explanation string) PeerBehavior {
	return PeerBehavior{PeerID: peerID, Reason: ReasonBadProtocol, Explanation: explanation}
}

// FromRequestError maps a failed request to the behavior the peer should be
// reported for. ok is false when the peer should not be reported, e.g. the
// connection is already gone.
func FromRequestError(peerID p2p.ID, err error) (pb PeerBehavior, ok bool) {
	kind, isReqErr := p2p.ErrorKind(err)
	if !isReqErr {
		return PeerBehavior{}, false
	}
	switch kind {
	case p2p.Timeout:
		return Timeout(peerID, err.Error()), true
	case p2p.UnsupportedCapability:
		return BadProtocol(peerID, err.Error()), true
	case p2p.BadResponse:
		return BadMessage(peerID, err.Error()), true
	default:
		return PeerBehavior{}, false
	}
}
