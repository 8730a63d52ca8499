package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeChainLinks(t *testing.T) {
	genesis := GenesisHeader()
	headers, bodies := MakeChain(genesis, 5, 2, 32)
	require.Len(t, headers, 5)
	require.Len(t, bodies, 5)

	parent := genesis
	for i, h := range headers {
		assert.Equal(t, parent.Hash(), h.ParentHash())
		assert.Equal(t, parent.Number()+1, h.Number())
		assert.Equal(t, h.Header.TxHash, bodies[i].TxRoot())
		assert.Equal(t, h.Header.UncleHash, bodies[i].UncleRoot())
		assert.False(t, h.Header.IsEmpty())
		parent = h
	}
}

func TestSealedHeaderHashIsStable(t *testing.T) {
	h := MakeHeaderAt(7, GenesisHeader().Hash())
	assert.Equal(t, h.Header.Hash(), h.Hash())

	h.Header.Extra = []byte("tampered")
	assert.NotEqual(t, h.Header.Hash(), h.Hash(), "sealed hash must not follow mutations")
}

func TestEmptyBody(t *testing.T) {
	body := &Body{}
	assert.Equal(t, EmptyRootHash, body.TxRoot())
	assert.Equal(t, EmptyUncleHash, body.UncleRoot())
	assert.True(t, MakeHeaderAt(1, GenesisHeader().Hash()).Header.IsEmpty())

	headers, _ := MakeChain(GenesisHeader(), 1, 0, 0)
	assert.True(t, headers[0].Header.IsEmpty())
}

func TestBlockSize(t *testing.T) {
	headers, bodies := MakeChain(GenesisHeader(), 2, 4, 100)
	small := NewBlock(headers[0], &Body{})
	big := NewBlock(headers[1], bodies[1])
	assert.Greater(t, big.Size(), 400)
	assert.Less(t, small.Size(), big.Size())
}

func TestHeaderRequest(t *testing.T) {
	req := HeaderRangeRequest(105, 3, Reverse)
	assert.Equal(t, uint64(105), req.ExpectedNumber(0))
	assert.Equal(t, uint64(103), req.ExpectedNumber(2))
	assert.False(t, req.Start.IsHash())

	fwd := HeaderRangeRequest(10, 3, Forward)
	assert.Equal(t, uint64(12), fwd.ExpectedNumber(2))

	byHash := HeaderHashRequest(GenesisHeader().Hash())
	assert.True(t, byHash.Start.IsHash())
	assert.Equal(t, uint64(1), byHash.Limit)
}

func TestSyncTarget(t *testing.T) {
	assert.True(t, TipTarget().IsTip())
	assert.Nil(t, TipTarget().Header())

	g := GenesisHeader()
	ht := HeaderTarget(g)
	assert.False(t, ht.IsTip())
	assert.Equal(t, g.Hash(), ht.Hash())
	assert.Equal(t, g, ht.Header())

	hash := HashTarget(g.Hash())
	assert.Nil(t, hash.Header())
	assert.Equal(t, g.Hash(), hash.Hash())
}
