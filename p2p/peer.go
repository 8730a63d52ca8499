package p2p

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/celestiaorg/chainsync/types"
)

// ID is a peer identifier.
type ID string

// Peer is a handle on a connected peer as returned by peer selection.
type Peer struct {
	ID ID

	// Best block the peer announced. Used to resolve a "tip" sync target.
	BestHash   common.Hash
	BestNumber types.BlockNumber
}
