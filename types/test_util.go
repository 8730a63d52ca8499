package types

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// GenesisHeader returns a deterministic header at number 0.
func GenesisHeader() *SealedHeader {
	return NewSealedHeader(&Header{
		UncleHash: EmptyUncleHash,
		TxHash:    EmptyRootHash,
		GasLimit:  30_000_000,
		Extra:     []byte("genesis"),
	})
}

// MakeChain builds n blocks on top of parent. Every block carries txsPerBlock
// transactions of txSize bytes, so bodies are never empty unless
// txsPerBlock is zero. Returned slices are in ascending order.
func MakeChain(parent *SealedHeader, n, txsPerBlock, txSize int) ([]*SealedHeader, []*Body) {
	headers := make([]*SealedHeader, 0, n)
	bodies := make([]*Body, 0, n)

	for i := 0; i < n; i++ {
		number := parent.Number() + 1
		body := &Body{Transactions: make(Txs, 0, txsPerBlock)}
		for j := 0; j < txsPerBlock; j++ {
			tx := make(Tx, txSize+8)
			binary.BigEndian.PutUint64(tx, number<<16|uint64(j))
			body.Transactions = append(body.Transactions, tx)
		}

		header := NewSealedHeader(&Header{
			ParentHash: parent.Hash(),
			UncleHash:  body.UncleRoot(),
			Coinbase:   common.BytesToAddress([]byte{byte(number)}),
			TxHash:     body.TxRoot(),
			Number:     number,
			GasLimit:   30_000_000,
			Time:       parent.Header.Time + 12,
		})

		headers = append(headers, header)
		bodies = append(bodies, body)
		parent = header
	}

	return headers, bodies
}

// MakeHeaderAt returns a standalone empty-bodied header with the given number
// and parent hash.
func MakeHeaderAt(number BlockNumber, parentHash common.Hash) *SealedHeader {
	return NewSealedHeader(&Header{
		ParentHash: parentHash,
		UncleHash:  EmptyUncleHash,
		TxHash:     EmptyRootHash,
		Number:     number,
		GasLimit:   30_000_000,
	})
}
