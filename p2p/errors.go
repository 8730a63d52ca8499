package p2p

import (
	"errors"
	"fmt"
)

// ErrNoPeers is returned by a PeerSelector with no connected peers.
var ErrNoPeers = errors.New("no peers available")

// RequestErrorKind classifies why a request to a peer failed.
type RequestErrorKind uint8

const (
	// Timeout means the peer did not answer within the request timeout.
	Timeout RequestErrorKind = iota + 1
	// ConnectionDropped means the connection to the peer was lost.
	ConnectionDropped
	// ChannelClosed means the session with the peer was already closed.
	ChannelClosed
	// UnsupportedCapability means the peer does not serve this request type.
	UnsupportedCapability
	// BadResponse means the peer answered with an undecodable message.
	BadResponse
)

func (k RequestErrorKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case ConnectionDropped:
		return "connection dropped"
	case ChannelClosed:
		return "channel closed"
	case UnsupportedCapability:
		return "unsupported capability"
	case BadResponse:
		return "bad response"
	default:
		return fmt.Sprintf("RequestErrorKind(%d)", uint8(k))
	}
}

// RequestError is returned by clients when a request could not be served.
type RequestError struct {
	Kind RequestErrorKind
	Peer ID
	Err  error
}

// NewRequestError returns a RequestError of the given kind.
func NewRequestError(kind RequestErrorKind, peer ID, err error) *RequestError {
	return &RequestError{Kind: kind, Peer: peer, Err: err}
}

func (e *RequestError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("request to peer %v failed: %v", e.Peer, e.Kind)
	}
	return fmt.Sprintf("request to peer %v failed: %v: %v", e.Peer, e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ErrorKind returns the kind of err if it is (or wraps) a RequestError.
func ErrorKind(err error) (RequestErrorKind, bool) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Kind, true
	}
	return 0, false
}

// IsPeerGone reports whether err means the peer is already disconnected, in
// which case there is nobody left to penalize.
func IsPeerGone(err error) bool {
	kind, ok := ErrorKind(err)
	return ok && (kind == ConnectionDropped || kind == ChannelClosed)
}
