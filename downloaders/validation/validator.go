// Package validation checks fetched headers and bodies before they are
// buffered. Consensus rules stay behind the Validator interface; the Adapter
// adds the structural checks every response must pass.
package validation

import (
	"errors"
	"fmt"

	"github.com/celestiaorg/chainsync/types"
)

var (
	ErrParentHashMismatch = errors.New("parent hash mismatch")
	ErrNumberMismatch     = errors.New("number is not parent number + 1")
	ErrTimeOrder          = errors.New("timestamp before parent")
	ErrTxRootMismatch     = errors.New("transaction root mismatch")
	ErrUncleRootMismatch  = errors.New("uncle root mismatch")
)

// Validator is the external rule set headers and bodies are checked against.
type Validator interface {
	// ValidateHeaderLink checks that child directly extends parent.
	ValidateHeaderLink(parent, child *types.SealedHeader) error
	// ValidateBody checks that body matches the commitments of header.
	ValidateBody(header *types.SealedHeader, body *types.Body) error
}

// ChainValidator checks hash linkage and content commitments only.
type ChainValidator struct{}

var _ Validator = ChainValidator{}

func (ChainValidator) ValidateHeaderLink(parent, child *types.SealedHeader) error {
	if child.ParentHash() != parent.Hash() {
		return fmt.Errorf("%w: header #%d has parent %x, want %x",
			ErrParentHashMismatch, child.Number(), child.ParentHash().Bytes()[:4], parent.Hash().Bytes()[:4])
	}
	if child.Number() != parent.Number()+1 {
		return fmt.Errorf("%w: %d after %d", ErrNumberMismatch, child.Number(), parent.Number())
	}
	if child.Header.Time < parent.Header.Time {
		return fmt.Errorf("%w: header #%d", ErrTimeOrder, child.Number())
	}
	return nil
}

func (ChainValidator) ValidateBody(header *types.SealedHeader, body *types.Body) error {
	if root := body.TxRoot(); root != header.Header.TxHash {
		return fmt.Errorf("%w: block #%d: got %x, want %x",
			ErrTxRootMismatch, header.Number(), root.Bytes()[:4], header.Header.TxHash.Bytes()[:4])
	}
	if root := body.UncleRoot(); root != header.Header.UncleHash {
		return fmt.Errorf("%w: block #%d", ErrUncleRootMismatch, header.Number())
	}
	return nil
}
