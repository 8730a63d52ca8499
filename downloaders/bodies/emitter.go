package bodies

import "github.com/celestiaorg/chainsync/types"

// Emitter cuts an ordered stream of blocks into batches bounded by a block
// count and a byte budget. A block larger than the byte budget forms a batch
// of its own.
type Emitter struct {
	itemThreshold int
	byteThreshold int

	batch []*types.Block
	bytes int
	ready [][]*types.Block
}

// NewEmitter returns an Emitter cutting batches at itemThreshold blocks or
// byteThreshold bytes, whichever comes first.
func NewEmitter(itemThreshold, byteThreshold int) *Emitter {
	return &Emitter{
		itemThreshold: itemThreshold,
		byteThreshold: byteThreshold,
	}
}

// Push appends a block to the current batch, cutting it as needed.
func (e *Emitter) Push(b *types.Block) {
	size := b.Size()
	if len(e.batch) > 0 && e.bytes+size > e.byteThreshold {
		e.cut()
	}
	e.batch = append(e.batch, b)
	e.bytes += size
	if len(e.batch) >= e.itemThreshold || e.bytes >= e.byteThreshold {
		e.cut()
	}
}

// Flush cuts the current partial batch, if any.
func (e *Emitter) Flush() {
	if len(e.batch) > 0 {
		e.cut()
	}
}

// Ready returns the oldest complete batch without removing it.
func (e *Emitter) Ready() ([]*types.Block, bool) {
	if len(e.ready) == 0 {
		return nil, false
	}
	return e.ready[0], true
}

// Pop drops the oldest complete batch once it has been handed downstream.
func (e *Emitter) Pop() {
	e.ready[0] = nil
	e.ready = e.ready[1:]
}

// HasReady reports whether a complete batch is waiting.
func (e *Emitter) HasReady() bool { return len(e.ready) > 0 }

// Empty reports whether the emitter holds no block at all.
func (e *Emitter) Empty() bool { return len(e.ready) == 0 && len(e.batch) == 0 }

func (e *Emitter) cut() {
	e.ready = append(e.ready, e.batch)
	e.batch = nil
	e.bytes = 0
}
