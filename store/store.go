package store

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/orderedcode"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/celestiaorg/chainsync/libs/log"
	cmtsync "github.com/celestiaorg/chainsync/libs/sync"
	"github.com/celestiaorg/chainsync/types"
)

const headerCacheSize = 1024

var (
	// ErrNotContiguous is returned when saved blocks do not extend the
	// store's head.
	ErrNotContiguous = errors.New("blocks do not extend the store head")

	// ErrConflict is returned when a block already stored at the same number
	// has a different hash.
	ErrConflict = errors.New("conflicting block already stored")

	// ErrNotBootstrapped is returned when blocks are saved before the store
	// holds a first header.
	ErrNotBootstrapped = errors.New("block store is not bootstrapped")
)

/*
BlockStore is a simple low level store for synced blocks.

There are three types of information stored:
  - Header: the RLP encoded header, keyed by number
  - Body:   the RLP encoded body, keyed by number
  - Hash:   the number of each stored hash

The store can be assumed to contain all contiguous blocks between base and
height (inclusive). Saving is idempotent: blocks already stored are skipped,
so an interrupted import can simply be resumed.

NOTE: BlockStore methods will panic if they encounter errors deserializing
loaded data, indicating probable corruption on disk.
*/
type BlockStore struct {
	db      dbm.DB
	headers *lru.Cache[types.BlockNumber, *types.SealedHeader]

	metrics *Metrics
	logger  log.Logger

	// mtx guards the fields below. The database enforces concurrency control
	// for its own contents.
	mtx    cmtsync.RWMutex
	base   types.BlockNumber
	height types.BlockNumber
	head   *types.SealedHeader
}

// Option sets an optional parameter on the BlockStore.
type Option func(*BlockStore)

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(bs *BlockStore) { bs.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(bs *BlockStore) { bs.logger = l.With("module", "store") }
}

// NewBlockStore returns a new BlockStore with the given DB, initialized to
// the last height that was committed to the DB.
func NewBlockStore(db dbm.DB, options ...Option) (*BlockStore, error) {
	cache, err := lru.New[types.BlockNumber, *types.SealedHeader](headerCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating header cache")
	}
	bs := &BlockStore{
		db:      db,
		headers: cache,
		metrics: NopMetrics(),
		logger:  log.NewNopLogger(),
	}
	for _, option := range options {
		option(bs)
	}

	state, err := LoadBlockStoreState(db)
	if err != nil {
		return nil, err
	}
	if state.Bootstrapped {
		bs.base, bs.height = state.Base, state.Height
		if bs.head = bs.LoadHeader(state.Height); bs.head == nil {
			return nil, errors.Errorf("missing head header #%d", state.Height)
		}
		bs.metrics.Height.Set(float64(bs.height))
	}
	return bs, nil
}

// Base returns the first stored block number.
func (bs *BlockStore) Base() types.BlockNumber {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.base
}

// Height returns the last stored block number.
func (bs *BlockStore) Height() types.BlockNumber {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.height
}

// Size returns the number of blocks in the block store.
func (bs *BlockStore) Size() uint64 {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	if bs.head == nil {
		return 0
	}
	return bs.height - bs.base + 1
}

// Head returns the header of the last stored block, or nil for an empty
// store.
func (bs *BlockStore) Head() *types.SealedHeader {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.head
}

// Bootstrap stores the first header of an empty store, with an empty body.
// It is a no-op if the store already holds that header or pruned past it.
func (bs *BlockStore) Bootstrap(first *types.SealedHeader) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.head != nil {
		if first.Number() < bs.base {
			return nil
		}
		stored := bs.loadHeader(first.Number())
		if stored == nil || stored.Hash() != first.Hash() {
			return errors.Wrapf(ErrConflict, "bootstrapping with %v", first)
		}
		return nil
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := bs.writeBlock(batch, types.NewBlock(first, &types.Body{})); err != nil {
		return err
	}
	state := BlockStoreState{Bootstrapped: true, Base: first.Number(), Height: first.Number()}
	if err := writeState(batch, state); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrap(err, "writing bootstrap batch")
	}

	bs.base, bs.height, bs.head = first.Number(), first.Number(), first
	bs.headers.Add(first.Number(), first)
	bs.metrics.Height.Set(float64(bs.height))
	return nil
}

// SaveBlocks stores an ascending run of blocks on top of the head in one
// atomic write. Blocks at or below the head are checked against the stored
// ones and skipped; blocks below the base were pruned and are skipped
// unchecked.
func (bs *BlockStore) SaveBlocks(blocks []*types.Block) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.head == nil {
		return ErrNotBootstrapped
	}

	var (
		head  = bs.head
		fresh []*types.Block
	)
	for _, b := range blocks {
		if b.Number() < bs.base {
			continue
		}
		if b.Number() <= bs.height {
			stored := bs.loadHeader(b.Number())
			if stored == nil || stored.Hash() != b.Header.Hash() {
				return errors.Wrapf(ErrConflict, "block %v", b.Header)
			}
			continue
		}
		if b.Number() != head.Number()+1 || b.Header.ParentHash() != head.Hash() {
			return errors.Wrapf(ErrNotContiguous, "block %v on top of %v", b.Header, head)
		}
		fresh = append(fresh, b)
		head = b.Header
	}
	if len(fresh) == 0 {
		return nil
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	size := 0
	for _, b := range fresh {
		if err := bs.writeBlock(batch, b); err != nil {
			return err
		}
		size += b.Size()
	}
	if err := writeState(batch, BlockStoreState{Bootstrapped: true, Base: bs.base, Height: head.Number()}); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrap(err, "writing block batch")
	}

	for _, b := range fresh {
		bs.headers.Add(b.Number(), b.Header)
	}
	bs.height, bs.head = head.Number(), head

	bs.metrics.BlocksSaved.Add(float64(len(fresh)))
	bs.metrics.BytesSaved.Add(float64(size))
	bs.metrics.Height.Set(float64(bs.height))
	bs.logger.Debug("saved blocks", "from", fresh[0].Number(), "to", head.Number(), "bytes", size)
	return nil
}

// LoadHeader returns the header with the given number, or nil if it is not
// stored.
func (bs *BlockStore) LoadHeader(number types.BlockNumber) *types.SealedHeader {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.loadHeader(number)
}

// LoadHeaderByHash returns the header with the given hash, or nil if it is
// not stored.
func (bs *BlockStore) LoadHeaderByHash(hash common.Hash) *types.SealedHeader {
	bz, err := bs.db.Get(calcHashKey(hash))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	var number types.BlockNumber
	if err := rlp.DecodeBytes(bz, &number); err != nil {
		panic(fmt.Sprintf("Error reading hash index: %v", err))
	}
	return bs.LoadHeader(number)
}

// LoadBody returns the body of the block with the given number, or nil if it
// is not stored.
func (bs *BlockStore) LoadBody(number types.BlockNumber) *types.Body {
	bz, err := bs.db.Get(calcBodyKey(number))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	body := new(types.Body)
	if err := rlp.DecodeBytes(bz, body); err != nil {
		panic(fmt.Sprintf("Error reading body #%d: %v", number, err))
	}
	return body
}

// LoadBlock returns the block with the given number, or nil if it is not
// stored.
func (bs *BlockStore) LoadBlock(number types.BlockNumber) *types.Block {
	header := bs.LoadHeader(number)
	if header == nil {
		return nil
	}
	body := bs.LoadBody(number)
	if body == nil {
		// NOTE: headers are only written along with their body.
		panic(fmt.Sprintf("missing body of stored header %v", header))
	}
	return types.NewBlock(header, body)
}

// PruneBlocks removes blocks up to (but not including) retain and returns
// the number of blocks pruned.
func (bs *BlockStore) PruneBlocks(retain types.BlockNumber) (uint64, error) {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if bs.head == nil || retain <= bs.base {
		return 0, nil
	}
	if retain > bs.height {
		return 0, errors.Errorf("cannot prune beyond the latest number %d", bs.height)
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	var pruned uint64
	for n := bs.base; n < retain; n++ {
		header := bs.loadHeader(n)
		if header == nil {
			continue
		}
		for _, key := range [][]byte{calcHeaderKey(n), calcBodyKey(n), calcHashKey(header.Hash())} {
			if err := batch.Delete(key); err != nil {
				return 0, errors.Wrap(err, "pruning block")
			}
		}
		bs.headers.Remove(n)
		pruned++
	}
	if err := writeState(batch, BlockStoreState{Bootstrapped: true, Base: retain, Height: bs.height}); err != nil {
		return 0, err
	}
	if err := batch.WriteSync(); err != nil {
		return 0, errors.Wrap(err, "writing prune batch")
	}
	bs.base = retain
	bs.metrics.BlocksPruned.Add(float64(pruned))
	return pruned, nil
}

// CONTRACT: mtx must be held.
func (bs *BlockStore) loadHeader(number types.BlockNumber) *types.SealedHeader {
	if h, ok := bs.headers.Get(number); ok {
		return h
	}
	bz, err := bs.db.Get(calcHeaderKey(number))
	if err != nil {
		panic(err)
	}
	if len(bz) == 0 {
		return nil
	}
	header := new(types.Header)
	if err := rlp.DecodeBytes(bz, header); err != nil {
		panic(fmt.Sprintf("Error reading header #%d: %v", number, err))
	}
	sealed := types.NewSealedHeader(header)
	bs.headers.Add(number, sealed)
	return sealed
}

func (bs *BlockStore) writeBlock(batch dbm.Batch, b *types.Block) error {
	headerBytes, err := rlp.EncodeToBytes(b.Header.Header)
	if err != nil {
		return errors.Wrapf(err, "encoding header %v", b.Header)
	}
	bodyBytes, err := rlp.EncodeToBytes(b.Body)
	if err != nil {
		return errors.Wrapf(err, "encoding body %v", b.Header)
	}
	numberBytes, err := rlp.EncodeToBytes(b.Number())
	if err != nil {
		return errors.Wrapf(err, "encoding number %v", b.Header)
	}

	if err := batch.Set(calcHeaderKey(b.Number()), headerBytes); err != nil {
		return err
	}
	if err := batch.Set(calcBodyKey(b.Number()), bodyBytes); err != nil {
		return err
	}
	return batch.Set(calcHashKey(b.Header.Hash()), numberBytes)
}

//-----------------------------------------------------------------------------

const (
	prefixHeader = int64(0)
	prefixBody   = int64(1)
	prefixHash   = int64(2)
)

func calcHeaderKey(number types.BlockNumber) []byte {
	return mustAppend(prefixHeader, number)
}

func calcBodyKey(number types.BlockNumber) []byte {
	return mustAppend(prefixBody, number)
}

func calcHashKey(hash common.Hash) []byte {
	return mustAppend(prefixHash, string(hash.Bytes()))
}

func mustAppend(prefix int64, item interface{}) []byte {
	key, err := orderedcode.Append(nil, prefix, item)
	if err != nil {
		panic(err)
	}
	return key
}

//-----------------------------------------------------------------------------

var blockStoreKey = []byte("blockStore")

// BlockStoreState is the persisted range of the store.
type BlockStoreState struct {
	Bootstrapped bool
	Base         types.BlockNumber
	Height       types.BlockNumber
}

// LoadBlockStoreState returns the BlockStoreState as loaded from disk. If no
// BlockStoreState was previously persisted, it returns the zero value.
func LoadBlockStoreState(db dbm.DB) (BlockStoreState, error) {
	bz, err := db.Get(blockStoreKey)
	if err != nil {
		return BlockStoreState{}, errors.Wrap(err, "loading block store state")
	}
	if len(bz) == 0 {
		return BlockStoreState{}, nil
	}
	var state BlockStoreState
	if err := rlp.DecodeBytes(bz, &state); err != nil {
		return BlockStoreState{}, errors.Wrapf(err, "could not unmarshal state bytes %X", bz)
	}
	return state, nil
}

func writeState(batch dbm.Batch, state BlockStoreState) error {
	bz, err := rlp.EncodeToBytes(state)
	if err != nil {
		return errors.Wrap(err, "encoding block store state")
	}
	return batch.Set(blockStoreKey, bz)
}
