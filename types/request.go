package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Direction is the order in which a peer returns a header range.
type Direction uint8

const (
	// Forward returns headers with ascending numbers starting at Start.
	Forward Direction = iota
	// Reverse returns headers with descending numbers starting at Start.
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// BlockHashOrNumber identifies the first header of a request.
type BlockHashOrNumber struct {
	Hash   common.Hash
	Number BlockNumber
}

// IsHash reports whether the block is identified by hash.
func (b BlockHashOrNumber) IsHash() bool {
	return b.Hash != (common.Hash{})
}

func (b BlockHashOrNumber) String() string {
	if b.IsHash() {
		return fmt.Sprintf("%x", b.Hash[:8])
	}
	return fmt.Sprintf("%d", b.Number)
}

// HeaderRequest asks a peer for Limit contiguous headers starting at Start.
type HeaderRequest struct {
	Start     BlockHashOrNumber
	Limit     uint64
	Direction Direction
}

// HeaderRangeRequest returns a request for count headers starting at the
// block with number start.
func HeaderRangeRequest(start BlockNumber, count uint64, dir Direction) HeaderRequest {
	return HeaderRequest{Start: BlockHashOrNumber{Number: start}, Limit: count, Direction: dir}
}

// HeaderHashRequest returns a request for the single header with the given hash.
func HeaderHashRequest(hash common.Hash) HeaderRequest {
	return HeaderRequest{Start: BlockHashOrNumber{Hash: hash}, Limit: 1, Direction: Reverse}
}

// ExpectedNumber returns the number the i-th header of a numbered range
// request must carry.
func (r HeaderRequest) ExpectedNumber(i int) BlockNumber {
	if r.Direction == Reverse {
		return r.Start.Number - uint64(i)
	}
	return r.Start.Number + uint64(i)
}

func (r HeaderRequest) String() string {
	return fmt.Sprintf("headers[start=%v limit=%d %v]", r.Start, r.Limit, r.Direction)
}

// BodyRequest asks a peer for the bodies of the given blocks, in order.
type BodyRequest struct {
	IDs []BlockID
}

// Hashes returns the block hashes of the request.
func (r BodyRequest) Hashes() []common.Hash {
	hashes := make([]common.Hash, len(r.IDs))
	for i, id := range r.IDs {
		hashes[i] = id.Hash
	}
	return hashes
}

func (r BodyRequest) String() string {
	if len(r.IDs) == 0 {
		return "bodies[]"
	}
	return fmt.Sprintf("bodies[%d..%d]", r.IDs[0].Number, r.IDs[len(r.IDs)-1].Number)
}
