package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// BlockNumber is the height of a block in the chain.
type BlockNumber = uint64

var (
	// EmptyRootHash is the commitment over an empty list.
	EmptyRootHash = rlpHash([]Tx{})

	// EmptyUncleHash is the commitment over an empty uncle list.
	EmptyUncleHash = rlpHash([]*Header{})
)

// Header is a block header. Its hash is the keccak256 of its RLP encoding.
type Header struct {
	ParentHash common.Hash    `json:"parentHash"`
	UncleHash  common.Hash    `json:"sha3Uncles"`
	Coinbase   common.Address `json:"miner"`
	Root       common.Hash    `json:"stateRoot"`
	TxHash     common.Hash    `json:"transactionsRoot"`
	Number     uint64         `json:"number"`
	GasLimit   uint64         `json:"gasLimit"`
	GasUsed    uint64         `json:"gasUsed"`
	Time       uint64         `json:"timestamp"`
	Extra      []byte         `json:"extraData"`
}

// Hash returns the keccak256 hash of the header's RLP encoding.
func (h *Header) Hash() common.Hash {
	return rlpHash(h)
}

// IsEmpty reports whether the header commits to an empty body, in which
// case the body does not need to be fetched.
func (h *Header) IsEmpty() bool {
	return h.TxHash == EmptyRootHash && h.UncleHash == EmptyUncleHash
}

// SealedHeader is a header together with its cached hash.
type SealedHeader struct {
	Header *Header
	hash   common.Hash
}

// NewSealedHeader seals h by computing its hash once.
func NewSealedHeader(h *Header) *SealedHeader {
	return &SealedHeader{Header: h, hash: h.Hash()}
}

// Hash returns the cached header hash.
func (sh *SealedHeader) Hash() common.Hash { return sh.hash }

// Number returns the block number of the header.
func (sh *SealedHeader) Number() BlockNumber { return sh.Header.Number }

// ParentHash returns the hash of the parent block.
func (sh *SealedHeader) ParentHash() common.Hash { return sh.Header.ParentHash }

// ID returns the block identifier of the header.
func (sh *SealedHeader) ID() BlockID {
	return BlockID{Hash: sh.hash, Number: sh.Header.Number}
}

func (sh *SealedHeader) String() string {
	return fmt.Sprintf("Header{#%d %x}", sh.Header.Number, sh.hash[:4])
}

// Body is the block content committed to by the header.
type Body struct {
	Transactions Txs       `json:"transactions"`
	Uncles       []*Header `json:"uncles"`
}

// TxRoot returns the commitment over the body's transactions.
func (b *Body) TxRoot() common.Hash {
	return b.Transactions.Root()
}

// UncleRoot returns the commitment over the body's uncles.
func (b *Body) UncleRoot() common.Hash {
	if len(b.Uncles) == 0 {
		return EmptyUncleHash
	}
	return rlpHash(b.Uncles)
}

// Size returns the RLP encoded size of the body in bytes.
func (b *Body) Size() int {
	enc, err := rlp.EncodeToBytes(b)
	if err != nil {
		return 0
	}
	return len(enc)
}

// BlockID identifies a block by hash and number.
type BlockID struct {
	Hash   common.Hash
	Number BlockNumber
}

func (id BlockID) String() string {
	return fmt.Sprintf("#%d(%x)", id.Number, id.Hash[:4])
}

// Block pairs a sealed header with its validated body.
type Block struct {
	Header *SealedHeader
	Body   *Body

	size int
}

// NewBlock returns a Block and records the body's encoded size.
func NewBlock(header *SealedHeader, body *Body) *Block {
	return &Block{Header: header, Body: body, size: body.Size()}
}

// Number returns the block number.
func (b *Block) Number() BlockNumber { return b.Header.Number() }

// Size returns the encoded size of the block body in bytes.
func (b *Block) Size() int { return b.size }

func rlpHash(x interface{}) common.Hash {
	enc, err := rlp.EncodeToBytes(x)
	if err != nil {
		panic(fmt.Sprintf("can't encode %T: %v", x, err))
	}
	return crypto.Keccak256Hash(enc)
}
