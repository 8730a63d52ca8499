package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/chainsync/downloaders"
	"github.com/celestiaorg/chainsync/types"
)

func rawHeaders(sealed []*types.SealedHeader) []*types.Header {
	out := make([]*types.Header, len(sealed))
	for i, h := range sealed {
		cpy := *h.Header
		out[i] = &cpy
	}
	return out
}

func reversed[T any](in []T) []T {
	out := make([]T, len(in))
	for i, x := range in {
		out[len(in)-1-i] = x
	}
	return out
}

func TestAdapter_HeaderRange(t *testing.T) {
	a := NewAdapter(ChainValidator{})
	headers, _ := types.MakeChain(types.GenesisHeader(), 10, 1, 8)

	// 8, 7, 6
	req := types.HeaderRangeRequest(8, 3, types.Reverse)
	sealed, err := a.HeaderRange(req, rawHeaders(reversed(headers[5:8])))
	require.NoError(t, err)
	require.Len(t, sealed, 3)
	assert.Equal(t, headers[7].Hash(), sealed[0].Hash())

	// forward 1..4
	req = types.HeaderRangeRequest(1, 4, types.Forward)
	_, err = a.HeaderRange(req, rawHeaders(headers[:4]))
	require.NoError(t, err)

	// by hash
	req = types.HeaderHashRequest(headers[3].Hash())
	sealed, err = a.HeaderRange(req, rawHeaders(headers[3:4]))
	require.NoError(t, err)
	assert.EqualValues(t, 4, sealed[0].Number())
}

func TestAdapter_HeaderRangeMalformed(t *testing.T) {
	a := NewAdapter(ChainValidator{})
	headers, _ := types.MakeChain(types.GenesisHeader(), 10, 1, 8)
	req := types.HeaderRangeRequest(8, 3, types.Reverse)

	testCases := []struct {
		name    string
		headers []*types.Header
	}{
		{"empty", nil},
		{"too long", rawHeaders(reversed(headers[3:8]))},
		{"wrong direction", rawHeaders(headers[5:8])},
		{"gap", rawHeaders([]*types.SealedHeader{headers[7], headers[5]})},
		{"nil entry", []*types.Header{nil}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.HeaderRange(req, tc.headers)
			assert.ErrorIs(t, err, downloaders.ErrMalformedResponse)
			assert.NotErrorIs(t, err, downloaders.ErrValidationFailure)
		})
	}

	_, err := a.HeaderRange(types.HeaderHashRequest(headers[2].Hash()), rawHeaders(headers[3:4]))
	assert.ErrorIs(t, err, downloaders.ErrMalformedResponse)
}

func TestAdapter_HeaderRangeBrokenLink(t *testing.T) {
	a := NewAdapter(ChainValidator{})
	headers, _ := types.MakeChain(types.GenesisHeader(), 5, 1, 8)

	raw := rawHeaders(reversed(headers[1:4])) // 4, 3, 2
	raw[1].Extra = []byte("tampered")

	_, err := a.HeaderRange(types.HeaderRangeRequest(4, 3, types.Reverse), raw)
	require.ErrorIs(t, err, downloaders.ErrValidationFailure)
	assert.ErrorIs(t, err, ErrParentHashMismatch)
}

func TestChainValidator_Link(t *testing.T) {
	v := ChainValidator{}
	headers, _ := types.MakeChain(types.GenesisHeader(), 3, 0, 0)

	require.NoError(t, v.ValidateHeaderLink(headers[0], headers[1]))
	assert.ErrorIs(t, v.ValidateHeaderLink(headers[0], headers[2]), ErrParentHashMismatch)

	skip := types.MakeHeaderAt(5, headers[0].Hash())
	assert.ErrorIs(t, v.ValidateHeaderLink(headers[0], skip), ErrNumberMismatch)
}

func TestAdapter_Bodies(t *testing.T) {
	a := NewAdapter(ChainValidator{})
	headers, bodies := types.MakeChain(types.GenesisHeader(), 3, 2, 32)

	require.NoError(t, a.Bodies(headers, bodies))
	require.NoError(t, a.Bodies(headers, bodies[:1]), "prefix is acceptable")

	err := a.Bodies(headers, nil)
	assert.ErrorIs(t, err, downloaders.ErrMalformedResponse)

	err = a.Bodies(headers[:1], bodies)
	assert.ErrorIs(t, err, downloaders.ErrMalformedResponse)

	forged := &types.Body{Transactions: append(types.Txs{types.Tx("x")}, bodies[1].Transactions...)}
	err = a.Bodies(headers[1:], []*types.Body{forged})
	require.ErrorIs(t, err, downloaders.ErrValidationFailure)
	assert.ErrorIs(t, err, ErrTxRootMismatch)

	withUncle := &types.Body{Transactions: bodies[0].Transactions, Uncles: []*types.Header{headers[0].Header}}
	err = a.Bodies(headers[:1], []*types.Body{withUncle})
	assert.ErrorIs(t, err, ErrUncleRootMismatch)
}
