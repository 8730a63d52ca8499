package node

import (
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/common"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celestiaorg/chainsync/behavior"
	"github.com/celestiaorg/chainsync/config"
	"github.com/celestiaorg/chainsync/libs/log"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/p2p/simnet"
	"github.com/celestiaorg/chainsync/types"
)

func newTestNode(t *testing.T, cfg *config.Config, options ...Option) *Node {
	t.Helper()
	options = append([]Option{WithRand(rand.New(rand.NewSource(1)))}, options...)
	n, err := NewNode(cfg, log.TestingLogger(), options...)
	require.NoError(t, err)
	return n
}

func TestNode_SyncToTip(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := config.TestConfig()
	cfg.Network.LocalHead = 10
	n := newTestNode(t, cfg)
	assert.EqualValues(t, 10, n.BlockStore().Height())
	assert.EqualValues(t, 50, n.Tip().Number())
	assert.Equal(t, 3, n.PeerSet().Len())

	require.NoError(t, n.Start(context.Background()))
	n.SyncTo(types.TipTarget())
	require.Eventually(t, func() bool {
		return n.Status().Completed == 1
	}, 10*time.Second, 10*time.Millisecond)

	status := n.Status()
	require.NoError(t, status.Err)
	assert.EqualValues(t, 50, status.Height)
	assert.Equal(t, n.Tip().Hash(), n.BlockStore().Head().Hash())

	require.NoError(t, n.Stop())
}

func TestNode_Tracing(t *testing.T) {
	defer leaktest.Check(t)()

	var buf bytes.Buffer
	cfg := config.TestConfig()
	cfg.Network.ChainLength = 5
	cfg.Instrumentation.TraceStdout = true
	n := newTestNode(t, cfg, WithTraceWriter(&buf))

	require.NoError(t, n.Start(context.Background()))
	n.SyncTo(types.TipTarget())
	require.Eventually(t, func() bool {
		return n.Status().Completed == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, n.Stop())

	// Spans are flushed on shutdown.
	assert.Contains(t, buf.String(), `"Name": "SaveBlocks"`)
	assert.Contains(t, buf.String(), `"Name": "Sync"`)
}

func TestNode_PreloadIsResumable(t *testing.T) {
	db := dbm.NewMemDB()
	provider := func(*config.DBContext) (dbm.DB, error) { return db, nil }

	cfg := config.TestConfig()
	cfg.Network.LocalHead = 20
	first := newTestNode(t, cfg, WithDBProvider(provider))
	assert.EqualValues(t, 20, first.BlockStore().Height())

	cfg.Network.LocalHead = 30
	second := newTestNode(t, cfg, WithDBProvider(provider))
	assert.EqualValues(t, 30, second.BlockStore().Height())
	assert.EqualValues(t, 0, second.BlockStore().Base())
}

func TestInjectFaults(t *testing.T) {
	genesis := types.GenesisHeader()
	headers, bodies := types.MakeChain(genesis, 2, 1, 8)
	net := simnet.New(headers, bodies)
	net.AddPeer("a")
	injectFaults(net, "a", 1, rand.New(rand.NewSource(7)))

	hashes := []common.Hash{headers[0].Hash(), headers[1].Hash()}
	honest := func() bool {
		got, err := net.GetBodies(context.Background(), "a", hashes)
		if err != nil || len(got) != 2 {
			return false
		}
		return got[0].TxRoot() == headers[0].Header.TxHash
	}
	for i := 0; i < faultWindow; i++ {
		assert.False(t, honest(), "request %d", i)
	}
	assert.True(t, honest())

	other := simnet.New(headers, bodies)
	other.AddPeer("b")
	injectFaults(other, "b", 0, rand.New(rand.NewSource(7)))
	got, err := other.GetBodies(context.Background(), "b", hashes)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestNode_RefreshPeers(t *testing.T) {
	n := newTestNode(t, config.TestConfig())

	n.PeerSet().RemovePeer("peer-00")
	require.NoError(t, n.PeerSet().Report(behavior.BadProtocol(p2p.ID("peer-01"), "test")))
	require.True(t, n.PeerSet().IsBanned("peer-01"))
	require.Equal(t, 1, n.PeerSet().Len())

	n.refreshPeers()
	_, ok := n.PeerSet().Score("peer-00")
	assert.True(t, ok)
	_, ok = n.PeerSet().Score("peer-01")
	assert.False(t, ok)
	assert.Equal(t, 2, n.PeerSet().Len())
}

func TestNode_ChainGrowth(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := config.TestConfig()
	cfg.Network.ChainLength = 10
	cfg.Network.BlockInterval = 10 * time.Millisecond
	n := newTestNode(t, cfg)

	require.NoError(t, n.Start(context.Background()))
	require.Eventually(t, func() bool {
		return n.Tip().Number() >= 15
	}, 10*time.Second, 10*time.Millisecond)

	// Peers announce the grown chain once refreshed.
	require.Eventually(t, func() bool {
		best, err := n.PeerSet().BestPeer(context.Background())
		return err == nil && best.BestNumber >= 15
	}, 10*time.Second, 10*time.Millisecond)

	n.SyncTo(types.TipTarget())
	require.Eventually(t, func() bool {
		return n.Status().Completed == 1
	}, 10*time.Second, 10*time.Millisecond)
	status := n.Status()
	require.NoError(t, status.Err)
	assert.GreaterOrEqual(t, uint64(status.Height), uint64(15))

	require.NoError(t, n.Stop())
}
