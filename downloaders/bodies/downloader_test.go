package bodies

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/chainsync/behavior"
	"github.com/celestiaorg/chainsync/config"
	"github.com/celestiaorg/chainsync/downloaders"
	"github.com/celestiaorg/chainsync/downloaders/validation"
	"github.com/celestiaorg/chainsync/libs/log"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/p2p/simnet"
	"github.com/celestiaorg/chainsync/types"
)

type chain struct {
	headers []*types.SealedHeader
	bodies  []*types.Body
}

// makeChain returns genesis plus n blocks with one transaction each, indexed
// by number.
func makeChain(n int) *chain {
	genesis := types.GenesisHeader()
	headers, bodies := types.MakeChain(genesis, n, 1, 16)
	return &chain{
		headers: append([]*types.SealedHeader{genesis}, headers...),
		bodies:  append([]*types.Body{{}}, bodies...),
	}
}

// extend appends n blocks with txs transactions each.
func (c *chain) extend(n, txs, txSize int) {
	headers, bodies := types.MakeChain(c.headers[len(c.headers)-1], n, txs, txSize)
	c.headers = append(c.headers, headers...)
	c.bodies = append(c.bodies, bodies...)
}

func (c *chain) network(peers ...p2p.ID) *simnet.Network {
	net := simnet.New(c.headers, c.bodies)
	for _, id := range peers {
		net.AddPeer(id)
	}
	return net
}

// feed returns a closed source holding headers[from..to] in batches of size.
func feed(headers []*types.SealedHeader, from, to, size int) <-chan []*types.SealedHeader {
	src := make(chan []*types.SealedHeader, (to-from)/size+1)
	for i := from; i <= to; i += size {
		end := min(i+size, to+1)
		src <- headers[i:end]
	}
	close(src)
	return src
}

func newTestDownloader(cfg *config.BodiesConfig, net *simnet.Network, reporter behavior.Reporter) *Downloader {
	d := NewDownloader(cfg, net, net, validation.ChainValidator{}, WithReporter(reporter))
	d.SetLogger(log.TestingLogger())
	return d
}

func collect(t *testing.T, run *Run) [][]*types.Block {
	t.Helper()
	var batches [][]*types.Block
	timeout := time.After(10 * time.Second)
	for {
		select {
		case batch, ok := <-run.Batches():
			if !ok {
				return batches
			}
			batches = append(batches, batch)
		case <-timeout:
			t.Fatal("timed out waiting for block batches")
		}
	}
}

// requireBlocks checks that the batches hold exactly the blocks from..to of
// c, in order, with their own bodies.
func requireBlocks(t *testing.T, batches [][]*types.Block, c *chain, from, to int) {
	t.Helper()
	var got []*types.Block
	for _, b := range batches {
		require.NotEmpty(t, b)
		got = append(got, b...)
	}
	require.Len(t, got, to-from+1)
	for i, b := range got {
		n := from + i
		require.Equal(t, c.headers[n].Hash(), b.Header.Hash(), "block %d", n)
		require.Equal(t, c.bodies[n].TxRoot(), b.Body.TxRoot(), "block %d", n)
	}
}

func TestDownloader_AllBodies(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(120)
	net := c.network("p1", "p2", "p3")
	cfg := config.TestBodiesConfig()
	cfg.BatchItemThreshold = 25
	reporter := behavior.NewMockReporter()
	d := newTestDownloader(cfg, net, reporter)

	run := d.Download(context.Background(), feed(c.headers, 1, 120, 7))
	batches := collect(t, run)

	require.NoError(t, run.Err())
	assert.Equal(t, downloaders.Completed, run.State())
	assert.Equal(t, downloaders.Completed, d.State())
	require.Len(t, batches, 5)
	requireBlocks(t, batches, c, 1, 120)
	assert.EqualValues(t, 120, run.Headers())
	assert.EqualValues(t, 120, run.Emitted())
	assert.Empty(t, reporter.All())
}

func TestDownloader_BodyRetriedOnThirdPeer(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(105)
	net := c.network("p1", "p2", "p3")
	net.ScriptBodies("p1", simnet.Invalid)
	net.ScriptBodies("p2", simnet.Invalid)

	cfg := config.TestBodiesConfig()
	cfg.RequestRangeLimit = 1
	cfg.MaxConcurrentRequests = 1
	cfg.MaxRetries = 3
	reporter := behavior.NewMockReporter()
	d := newTestDownloader(cfg, net, reporter)

	run := d.Download(context.Background(), feed(c.headers, 101, 105, 5))
	batches := collect(t, run)

	require.NoError(t, run.Err())
	assert.Equal(t, downloaders.Completed, run.State())
	requireBlocks(t, batches, c, 101, 105)
	assert.Equal(t, types.BlockNumber(101), batches[0][0].Number())

	require.Len(t, reporter.All(), 2)
	assert.Equal(t, 2, reporter.Count(behavior.ReasonBadBodies))
	assert.Len(t, reporter.GetBehaviors("p1"), 1)
	assert.Len(t, reporter.GetBehaviors("p2"), 1)
	assert.Empty(t, reporter.GetBehaviors("p3"))
}

func TestDownloader_ExhaustedRetries(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(10)
	net := c.network("p1", "p2")
	net.ScriptBodies("p1", simnet.Invalid, simnet.Invalid)
	net.ScriptBodies("p2", simnet.Invalid, simnet.Invalid)

	cfg := config.TestBodiesConfig()
	cfg.RequestRangeLimit = 2
	cfg.MaxConcurrentRequests = 1
	reporter := behavior.NewMockReporter()
	d := newTestDownloader(cfg, net, reporter)

	run := d.Download(context.Background(), feed(c.headers, 1, 10, 10))
	batches := collect(t, run)
	assert.Empty(t, batches)

	err := run.Err()
	require.ErrorIs(t, err, downloaders.ErrExhaustedRetries)
	require.ErrorIs(t, err, downloaders.ErrValidationFailure)
	require.ErrorIs(t, err, validation.ErrTxRootMismatch)

	var rangeErr *downloaders.RangeError
	require.True(t, errors.As(err, &rangeErr))
	assert.Equal(t, downloaders.Range{From: 1, To: 2}, rangeErr.Range)
	assert.Equal(t, cfg.MaxRetries, rangeErr.Attempts)
	assert.Equal(t, cfg.MaxRetries, reporter.Count(behavior.ReasonBadBodies))
	assert.Equal(t, downloaders.Failed, run.State())
}

func TestDownloader_PartialResponse(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(8)
	net := c.network("p1")
	net.ScriptBodies("p1", simnet.Partial)

	cfg := config.TestBodiesConfig()
	cfg.MaxConcurrentRequests = 1
	reporter := behavior.NewMockReporter()
	d := newTestDownloader(cfg, net, reporter)

	run := d.Download(context.Background(), feed(c.headers, 1, 8, 8))
	batches := collect(t, run)

	require.NoError(t, run.Err())
	requireBlocks(t, batches, c, 1, 8)
	// 1..4 answered with 1 only, then 2..5 and 6..8.
	assert.EqualValues(t, 3, net.BodyRequests())
	assert.Empty(t, reporter.All())
}

func TestDownloader_MalformedResponses(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(8)
	net := c.network("p1", "p2")
	net.ScriptBodies("p1", simnet.Empty, simnet.Malformed)

	cfg := config.TestBodiesConfig()
	cfg.MaxConcurrentRequests = 1
	reporter := behavior.NewMockReporter()
	d := newTestDownloader(cfg, net, reporter)

	run := d.Download(context.Background(), feed(c.headers, 1, 8, 8))
	batches := collect(t, run)

	require.NoError(t, run.Err())
	requireBlocks(t, batches, c, 1, 8)
	assert.Equal(t, 2, reporter.Count(behavior.ReasonBadMessage))
	assert.Len(t, reporter.GetBehaviors("p1"), 2)
}

func TestDownloader_EmptyBlocksSkipFetch(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(5)
	c.extend(5, 0, 0)
	c.extend(5, 1, 16)
	for n := 6; n <= 10; n++ {
		require.True(t, c.headers[n].Header.IsEmpty())
	}
	net := c.network("p1")

	cfg := config.TestBodiesConfig()
	cfg.MaxConcurrentRequests = 1
	d := newTestDownloader(cfg, net, behavior.NewMockReporter())

	run := d.Download(context.Background(), feed(c.headers, 1, 15, 15))
	batches := collect(t, run)

	require.NoError(t, run.Err())
	requireBlocks(t, batches, c, 1, 15)
	// 1..4, then 5 and 11..13, then 14..15.
	assert.EqualValues(t, 3, net.BodyRequests())
}

func TestDownloader_OnlyEmptyBlocks(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(0)
	c.extend(40, 0, 0)
	net := c.network()

	cfg := config.TestBodiesConfig()
	cfg.BufferCapacity = 4
	cfg.RequestRangeLimit = 4
	d := newTestDownloader(cfg, net, behavior.NewMockReporter())

	run := d.Download(context.Background(), feed(c.headers, 1, 40, 40))
	batches := collect(t, run)

	require.NoError(t, run.Err())
	requireBlocks(t, batches, c, 1, 40)
	assert.Zero(t, net.BodyRequests())
}

func TestDownloader_ByteThreshold(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(0)
	c.extend(10, 1, 100)
	c.extend(1, 1, 4096)
	c.extend(2, 1, 100)
	net := c.network("p1", "p2")

	size := types.NewBlock(c.headers[1], c.bodies[1]).Size()
	cfg := config.TestBodiesConfig()
	cfg.BatchByteThreshold = 3 * size
	d := newTestDownloader(cfg, net, behavior.NewMockReporter())

	run := d.Download(context.Background(), feed(c.headers, 1, 13, 4))
	batches := collect(t, run)

	require.NoError(t, run.Err())
	requireBlocks(t, batches, c, 1, 13)

	var lens []int
	for _, batch := range batches {
		bytes := 0
		for _, b := range batch {
			bytes += b.Size()
		}
		if len(batch) > 1 {
			assert.LessOrEqual(t, bytes, cfg.BatchByteThreshold)
		}
		lens = append(lens, len(batch))
	}
	assert.Equal(t, []int{3, 3, 3, 1, 1, 2}, lens)
}

func TestDownloader_Backpressure(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(100)
	net := c.network("p1", "p2")

	cfg := config.TestBodiesConfig()
	cfg.BufferCapacity = 8
	cfg.RequestRangeLimit = 4
	cfg.BatchItemThreshold = 2
	d := newTestDownloader(cfg, net, behavior.NewMockReporter())

	run := d.Download(context.Background(), feed(c.headers, 1, 100, 100))

	// Nothing is read, so the buffer fills up and dispatch stops.
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, net.BodyRequests(), int64(4))
	assert.Equal(t, downloaders.Syncing, run.State())

	batches := collect(t, run)
	require.NoError(t, run.Err())
	requireBlocks(t, batches, c, 1, 100)
}

func TestDownloader_NoHeaders(t *testing.T) {
	defer leaktest.Check(t)()

	net := makeChain(0).network("p1")
	d := newTestDownloader(config.TestBodiesConfig(), net, behavior.NewMockReporter())
	assert.Equal(t, downloaders.Idle, d.State())

	src := make(chan []*types.SealedHeader)
	close(src)
	run := d.Download(context.Background(), src)

	assert.Empty(t, collect(t, run))
	require.NoError(t, run.Err())
	assert.Equal(t, downloaders.Completed, run.State())
	assert.Zero(t, net.BodyRequests())
}

func TestDownloader_UnorderedHeaders(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(5)
	net := c.network("p1")
	d := newTestDownloader(config.TestBodiesConfig(), net, behavior.NewMockReporter())

	src := make(chan []*types.SealedHeader, 1)
	src <- []*types.SealedHeader{c.headers[1], c.headers[3]}
	close(src)
	run := d.Download(context.Background(), src)

	collect(t, run)
	require.ErrorIs(t, run.Err(), ErrUnorderedHeaders)
	assert.Equal(t, downloaders.Failed, run.State())
}

func TestDownloader_Superseded(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(20)
	net := c.network("p1")
	net.ScriptBodies("p1", simnet.Stall)

	cfg := config.TestBodiesConfig()
	cfg.RequestTimeout = time.Hour
	d := newTestDownloader(cfg, net, behavior.NewMockReporter())

	first := d.Download(context.Background(), feed(c.headers, 1, 20, 20))
	require.Eventually(t, func() bool { return net.BodyRequests() > 0 }, time.Second, time.Millisecond)
	second := d.Download(context.Background(), feed(c.headers, 11, 20, 20))

	<-first.Done()
	assert.Empty(t, collect(t, first))
	require.ErrorIs(t, first.Err(), downloaders.ErrSuperseded)

	batches := collect(t, second)
	require.NoError(t, second.Err())
	requireBlocks(t, batches, c, 11, 20)
}

func TestDownloader_NothingEmittedAfterCancel(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(20)
	net := c.network("p1", "p2")
	cfg := config.TestBodiesConfig()
	cfg.BatchItemThreshold = 5
	d := newTestDownloader(cfg, net, behavior.NewMockReporter())

	ctx, cancel := context.WithCancel(context.Background())
	run := d.Download(ctx, feed(c.headers, 1, 20, 20))

	// Every body is requested while nobody reads the batches.
	require.Eventually(t, func() bool { return net.BodyRequests() >= 5 }, 10*time.Second, time.Millisecond)
	cancel()
	<-run.Done()

	assert.Empty(t, collect(t, run))
	require.ErrorIs(t, run.Err(), context.Canceled)
	d.Stop()
}

func TestDownloader_Canceled(t *testing.T) {
	defer leaktest.Check(t)()

	c := makeChain(20)
	net := c.network("p1")
	net.ScriptBodies("p1", simnet.Stall)

	cfg := config.TestBodiesConfig()
	cfg.RequestTimeout = time.Hour
	d := newTestDownloader(cfg, net, behavior.NewMockReporter())

	ctx, cancel := context.WithCancel(context.Background())
	run := d.Download(ctx, feed(c.headers, 1, 20, 20))

	require.Eventually(t, func() bool { return net.BodyRequests() > 0 }, time.Second, time.Millisecond)
	cancel()

	assert.Empty(t, collect(t, run))
	require.ErrorIs(t, run.Err(), context.Canceled)
	assert.Equal(t, downloaders.Failed, d.State())
	d.Stop()
}
