package bodies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/celestiaorg/chainsync/types"
)

// makeBlock returns a block numbered n whose body holds one transaction of
// txSize bytes.
func makeBlock(n types.BlockNumber, txSize int) *types.Block {
	body := &types.Body{Transactions: types.Txs{make(types.Tx, txSize)}}
	header := types.NewSealedHeader(&types.Header{
		Number:    n,
		TxHash:    body.TxRoot(),
		UncleHash: body.UncleRoot(),
	})
	return types.NewBlock(header, body)
}

func drainEmitter(e *Emitter) [][]*types.Block {
	var batches [][]*types.Block
	for {
		b, ok := e.Ready()
		if !ok {
			return batches
		}
		e.Pop()
		batches = append(batches, b)
	}
}

func TestEmitter_ItemThreshold(t *testing.T) {
	e := NewEmitter(3, 1<<20)
	for i := 1; i <= 7; i++ {
		e.Push(makeBlock(types.BlockNumber(i), 10))
	}
	batches := drainEmitter(e)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[1], 3)
	assert.False(t, e.Empty())

	e.Flush()
	batches = drainEmitter(e)
	require.Len(t, batches, 1)
	assert.Equal(t, types.BlockNumber(7), batches[0][0].Number())
	assert.True(t, e.Empty())

	e.Flush()
	assert.False(t, e.HasReady())
}

func TestEmitter_ByteThreshold(t *testing.T) {
	size := makeBlock(1, 100).Size()
	e := NewEmitter(100, 2*size+size/2)
	for i := 1; i <= 5; i++ {
		e.Push(makeBlock(types.BlockNumber(i), 100))
	}
	e.Flush()
	batches := drainEmitter(e)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
}

func TestEmitter_OversizedBlockAlone(t *testing.T) {
	small := makeBlock(1, 10)
	e := NewEmitter(100, 4*small.Size())

	e.Push(small)
	e.Push(makeBlock(2, 1000))
	e.Push(makeBlock(3, 10))
	e.Flush()

	batches := drainEmitter(e)
	require.Len(t, batches, 3)
	assert.Equal(t, types.BlockNumber(1), batches[0][0].Number())
	require.Len(t, batches[1], 1)
	assert.Equal(t, types.BlockNumber(2), batches[1][0].Number())
	assert.Equal(t, types.BlockNumber(3), batches[2][0].Number())
}

// Batches keep the input order, never exceed the item threshold, and only
// exceed the byte threshold when they hold a single block. A batch is only
// cut when the next block would not fit.
func TestEmitter_Bounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		items := rapid.IntRange(1, 8).Draw(t, "items")
		sizes := rapid.SliceOfN(rapid.IntRange(0, 600), 1, 64).Draw(t, "sizes")
		threshold := rapid.IntRange(1, 1000).Draw(t, "threshold")

		e := NewEmitter(items, threshold)
		for i, s := range sizes {
			e.Push(makeBlock(types.BlockNumber(i), s))
		}
		e.Flush()
		batches := drainEmitter(e)

		next := types.BlockNumber(0)
		for i, batch := range batches {
			if len(batch) == 0 {
				t.Fatalf("batch %d is empty", i)
			}
			if len(batch) > items {
				t.Fatalf("batch %d holds %d blocks, threshold %d", i, len(batch), items)
			}
			bytes := 0
			for _, b := range batch {
				if b.Number() != next {
					t.Fatalf("batch %d: got block %d, want %d", i, b.Number(), next)
				}
				next++
				bytes += b.Size()
			}
			if bytes > threshold && len(batch) > 1 {
				t.Fatalf("batch %d holds %d bytes, threshold %d", i, bytes, threshold)
			}
			if i < len(batches)-1 {
				nextSize := batches[i+1][0].Size()
				if len(batch) < items && bytes < threshold && bytes+nextSize <= threshold {
					t.Fatalf("batch %d cut early: %d bytes, next block %d bytes", i, bytes, nextSize)
				}
			}
		}
		if int(next) != len(sizes) {
			t.Fatalf("emitted %d blocks, pushed %d", next, len(sizes))
		}
	})
}
