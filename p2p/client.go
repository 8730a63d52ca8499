package p2p

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/celestiaorg/chainsync/types"
)

// HeadersClient fetches header ranges from a specific peer. Implementations
// must return once ctx is done.
type HeadersClient interface {
	GetHeaders(ctx context.Context, peer ID, req types.HeaderRequest) ([]*types.Header, error)
}

// BodiesClient fetches block bodies from a specific peer. A peer may answer
// with fewer bodies than requested, but never out of order.
type BodiesClient interface {
	GetBodies(ctx context.Context, peer ID, hashes []common.Hash) ([]*types.Body, error)
}

// PeerSelector chooses the peer the next request is sent to. It is shared by
// both downloaders and must be safe for concurrent use.
type PeerSelector interface {
	// SelectPeer returns a connected peer. Peers listed in avoid are only
	// returned when no other peer is available. ErrNoPeers is returned when
	// there is no peer at all.
	SelectPeer(ctx context.Context, avoid ...ID) (Peer, error)

	// BestPeer returns the peer that announced the highest head, with the
	// same avoid semantics as SelectPeer. A "tip" sync target is resolved
	// against it.
	BestPeer(ctx context.Context, avoid ...ID) (Peer, error)
}

// Client is the full peer-client capability consumed by the downloaders.
type Client interface {
	HeadersClient
	BodiesClient
	PeerSelector
}
