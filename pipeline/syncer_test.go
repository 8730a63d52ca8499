package pipeline

import (
	"context"
	"testing"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/celestiaorg/chainsync/behavior"
	"github.com/celestiaorg/chainsync/config"
	"github.com/celestiaorg/chainsync/downloaders"
	"github.com/celestiaorg/chainsync/downloaders/validation"
	"github.com/celestiaorg/chainsync/libs/log"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/p2p/simnet"
	"github.com/celestiaorg/chainsync/store"
	"github.com/celestiaorg/chainsync/types"
)

type testEnv struct {
	chain    []*types.SealedHeader
	bodies   []*types.Body
	net      *simnet.Network
	store    *store.BlockStore
	reporter *behavior.MockReporter
	spans    *tracetest.SpanRecorder
	syncer   *Syncer
}

// newTestEnv serves genesis plus n blocks from three peers, with the first
// local blocks already stored.
func newTestEnv(t *testing.T, n, local int) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.TestConfig(), n, local)
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config, n, local int) *testEnv {
	t.Helper()

	genesis := types.GenesisHeader()
	headers, bodies := types.MakeChain(genesis, n, 2, 32)
	chain := append([]*types.SealedHeader{genesis}, headers...)
	allBodies := append([]*types.Body{{}}, bodies...)

	net := simnet.New(chain, allBodies)
	for _, id := range []p2p.ID{"p1", "p2", "p3"} {
		net.AddPeer(id)
	}

	bs, err := store.NewBlockStore(dbm.NewMemDB())
	require.NoError(t, err)
	require.NoError(t, bs.Bootstrap(genesis))
	stored := make([]*types.Block, 0, local)
	for i := 1; i <= local; i++ {
		stored = append(stored, types.NewBlock(chain[i], allBodies[i]))
	}
	require.NoError(t, bs.SaveBlocks(stored))

	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reporter := behavior.NewMockReporter()
	syncer := NewSyncer(cfg, bs, net, net, validation.ChainValidator{},
		WithReporter(reporter),
		WithTracerProvider(tp),
	)
	syncer.SetLogger(log.TestingLogger())

	return &testEnv{
		chain:    chain,
		bodies:   allBodies,
		net:      net,
		store:    bs,
		reporter: reporter,
		spans:    spans,
		syncer:   syncer,
	}
}

func (env *testEnv) requireStored(t *testing.T, to int) {
	t.Helper()
	require.EqualValues(t, to, env.store.Height())
	for i := 1; i <= to; i++ {
		b := env.store.LoadBlock(types.BlockNumber(i))
		require.NotNil(t, b, "block %d", i)
		require.Equal(t, env.chain[i].Hash(), b.Header.Hash())
		require.Equal(t, env.bodies[i].TxRoot(), b.Body.TxRoot())
	}
}

func TestSyncer_Sync(t *testing.T) {
	defer leaktest.Check(t)()

	env := newTestEnv(t, 250, 20)
	err := env.syncer.Sync(context.Background(), types.TipTarget())
	require.NoError(t, err)

	env.requireStored(t, 250)
	assert.Empty(t, env.reporter.All())

	var saves int
	for _, span := range env.spans.Ended() {
		if span.Name() == "SaveBlocks" {
			saves++
		}
	}
	// 230 blocks in batches of at most 100.
	assert.Equal(t, 3, saves)

	// Nothing left to do.
	require.NoError(t, env.syncer.Sync(context.Background(), types.TipTarget()))
	env.requireStored(t, 250)
}

func TestSyncer_StoredTarget(t *testing.T) {
	defer leaktest.Check(t)()

	env := newTestEnv(t, 50, 20)
	for _, target := range []types.SyncTarget{
		types.HashTarget(env.chain[5].Hash()),
		types.HeaderTarget(env.chain[20]),
	} {
		require.NoError(t, env.syncer.Sync(context.Background(), target))
	}
	assert.Zero(t, env.net.HeaderRequests())
	assert.Zero(t, env.net.BodyRequests())
	assert.EqualValues(t, 20, env.store.Height())
}

func TestSyncer_RetainBlocks(t *testing.T) {
	defer leaktest.Check(t)()

	cfg := config.TestConfig()
	cfg.RetainBlocks = 30
	env := newTestEnvWithConfig(t, cfg, 100, 10)

	require.NoError(t, env.syncer.Sync(context.Background(), types.TipTarget()))
	assert.EqualValues(t, 100, env.store.Height())
	assert.EqualValues(t, 71, env.store.Base())
	assert.Nil(t, env.store.LoadBlock(70))
	require.NotNil(t, env.store.LoadBlock(71))
}

func TestSyncer_SyncWithFaults(t *testing.T) {
	defer leaktest.Check(t)()

	env := newTestEnv(t, 80, 0)
	env.net.ScriptHeaders("p1", simnet.Drop, simnet.Invalid)
	env.net.ScriptBodies("p2", simnet.Partial, simnet.Invalid)
	env.net.ScriptBodies("p3", simnet.Unsupported)

	require.NoError(t, env.syncer.Sync(context.Background(), types.HashTarget(env.chain[80].Hash())))
	env.requireStored(t, 80)
	assert.NotEmpty(t, env.reporter.All())
}

func TestSyncer_SyncHeaderFailure(t *testing.T) {
	defer leaktest.Check(t)()

	env := newTestEnv(t, 40, 10)
	faults := make([]simnet.Fault, 20)
	for i := range faults {
		faults[i] = simnet.Invalid
	}
	for _, id := range []p2p.ID{"p1", "p2", "p3"} {
		env.net.ScriptHeaders(id, faults...)
	}

	err := env.syncer.Sync(context.Background(), types.HeaderTarget(env.chain[40]))
	require.ErrorIs(t, err, downloaders.ErrExhaustedRetries)
	require.ErrorIs(t, err, downloaders.ErrValidationFailure)
	assert.EqualValues(t, 10, env.store.Height())

	var failed bool
	for _, span := range env.spans.Ended() {
		if span.Name() == "Sync" {
			failed = span.Status().Code.String() == "Error"
		}
	}
	assert.True(t, failed)
}

func TestSyncer_NoLocalHead(t *testing.T) {
	bs, err := store.NewBlockStore(dbm.NewMemDB())
	require.NoError(t, err)
	net := simnet.New(nil, nil)
	cfg := config.TestConfig()
	syncer := NewSyncer(cfg, bs, net, net, validation.ChainValidator{})

	require.ErrorIs(t, syncer.Sync(context.Background(), types.TipTarget()), ErrNoLocalHead)
}

func TestSyncer_Service(t *testing.T) {
	defer leaktest.Check(t)()

	env := newTestEnv(t, 60, 0)
	require.NoError(t, env.syncer.Start(context.Background()))

	env.syncer.SetTarget(types.HashTarget(env.chain[30].Hash()))
	require.Eventually(t, func() bool {
		return env.store.Height() == 30 && !env.syncer.Status().Syncing
	}, 10*time.Second, 10*time.Millisecond)

	env.syncer.SetTarget(types.TipTarget())
	require.Eventually(t, func() bool {
		status := env.syncer.Status()
		return status.Height == 60 && !status.Syncing
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, env.syncer.Status().Err)
	assert.EqualValues(t, 2, env.syncer.Status().Completed)

	require.NoError(t, env.syncer.Stop())
	env.requireStored(t, 60)
}

func TestSyncer_StopAbortsSync(t *testing.T) {
	defer leaktest.Check(t)()

	env := newTestEnv(t, 30, 0)
	env.net.ScriptHeaders("p1", simnet.Stall)
	env.net.ScriptHeaders("p2", simnet.Stall)
	env.net.ScriptHeaders("p3", simnet.Stall)

	require.NoError(t, env.syncer.Start(context.Background()))
	env.syncer.SetTarget(types.TipTarget())
	require.Eventually(t, func() bool { return env.net.HeaderRequests() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, env.syncer.Stop())
	assert.Zero(t, env.store.Height())
}
