package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

type targetKind uint8

const (
	targetTip targetKind = iota
	targetHash
	targetHeader
)

// SyncTarget is the block up to which headers and bodies are downloaded.
// It is either symbolic ("tip": ask the network for its latest block), a
// block hash that still has to be fetched, or an already known header.
type SyncTarget struct {
	kind   targetKind
	hash   common.Hash
	header *SealedHeader
}

// TipTarget returns a target resolved by asking a peer for its best block.
func TipTarget() SyncTarget {
	return SyncTarget{kind: targetTip}
}

// HashTarget returns a target identified by the given block hash.
func HashTarget(hash common.Hash) SyncTarget {
	return SyncTarget{kind: targetHash, hash: hash}
}

// HeaderTarget returns a target for which the header is already known.
func HeaderTarget(header *SealedHeader) SyncTarget {
	return SyncTarget{kind: targetHeader, hash: header.Hash(), header: header}
}

// IsTip reports whether the target must be resolved from the network tip.
func (t SyncTarget) IsTip() bool { return t.kind == targetTip }

// Hash returns the target hash. It is the zero hash for a tip target.
func (t SyncTarget) Hash() common.Hash { return t.hash }

// Header returns the target header if it is already known, nil otherwise.
func (t SyncTarget) Header() *SealedHeader { return t.header }

func (t SyncTarget) String() string {
	switch t.kind {
	case targetTip:
		return "tip"
	case targetHeader:
		return fmt.Sprintf("header(%v)", t.header)
	default:
		return fmt.Sprintf("hash(%x)", t.hash)
	}
}
