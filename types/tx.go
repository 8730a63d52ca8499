package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type (
	// Tx is an opaque encoded transaction. The downloader never decodes it,
	// it only commits to it through the header's TxHash.
	Tx []byte

	// Txs is a slice of Tx.
	Txs []Tx
)

// Hash computes the keccak256 hash of the encoded transaction.
func (tx Tx) Hash() common.Hash {
	return crypto.Keccak256Hash(tx)
}

// String returns the hex-encoded transaction as a string.
func (tx Tx) String() string {
	return fmt.Sprintf("Tx{%X}", []byte(tx))
}

// Root returns the content commitment over the list of transactions, as
// declared by Header.TxHash.
func (txs Txs) Root() common.Hash {
	if len(txs) == 0 {
		return EmptyRootHash
	}
	return rlpHash(txs)
}
