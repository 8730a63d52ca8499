// Package node assembles a syncing node against a simulated network: the
// block store, the peer set, the sync pipeline and its instrumentation.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/celestiaorg/chainsync/config"
	"github.com/celestiaorg/chainsync/downloaders/validation"
	"github.com/celestiaorg/chainsync/libs/log"
	"github.com/celestiaorg/chainsync/libs/service"
	cmtsync "github.com/celestiaorg/chainsync/libs/sync"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/p2p/peerset"
	"github.com/celestiaorg/chainsync/p2p/simnet"
	"github.com/celestiaorg/chainsync/pipeline"
	"github.com/celestiaorg/chainsync/store"
	"github.com/celestiaorg/chainsync/types"
)

const (
	readHeaderTimeout = 10 * time.Second
	refreshInterval = time.Second

	// Number of requests per peer and request type that may be scripted
	// with a fault.
	faultWindow = 32
)

// faults injected at random into the simulated peers. Stalls are left out
// as they only slow the simulation down to the request timeout.
var faults = []simnet.Fault{
	simnet.Drop,
	simnet.Unsupported,
	simnet.Invalid,
	simnet.Malformed,
	simnet.Empty,
	simnet.Partial,
}

// Node syncs a block store from a simulated network.
type Node struct {
	service.BaseService

	config  *config.Config
	genesis *types.SealedHeader

	tipMtx cmtsync.Mutex
	tip    *types.SealedHeader

	network    *simnet.Network
	peers      *peerset.PeerSet
	blockStore *store.BlockStore
	db         dbm.DB
	syncer     *pipeline.Syncer

	tracerProvider *sdktrace.TracerProvider
	prometheusSrv  *http.Server

	cancel context.CancelFunc
	done   chan struct{}
}

// Option sets an optional parameter on the Node.
type Option func(*nodeOptions)

type nodeOptions struct {
	dbProvider      config.DBProvider
	metricsProvider MetricsProvider
	rng             *rand.Rand
	traceWriter     io.Writer
}

// WithDBProvider sets the database provider.
func WithDBProvider(p config.DBProvider) Option {
	return func(o *nodeOptions) { o.dbProvider = p }
}

// WithMetricsProvider sets the metrics provider.
func WithMetricsProvider(p MetricsProvider) Option {
	return func(o *nodeOptions) { o.metricsProvider = p }
}

// WithRand sets the source used to place faults in the simulated network.
func WithRand(rng *rand.Rand) Option {
	return func(o *nodeOptions) { o.rng = rng }
}

// WithTraceWriter sets where spans are exported when stdout tracing is
// enabled.
func WithTraceWriter(w io.Writer) Option {
	return func(o *nodeOptions) { o.traceWriter = w }
}

// NewNode builds the simulated chain and network described by cfg, opens the
// block store and preloads it up to the configured local head.
func NewNode(cfg *config.Config, logger log.Logger, options ...Option) (*Node, error) {
	o := nodeOptions{
		dbProvider:      config.DefaultDBProvider,
		metricsProvider: DefaultMetricsProvider(cfg.Instrumentation),
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec
		traceWriter:     io.Discard,
	}
	for _, option := range options {
		option(&o)
	}
	metrics := o.metricsProvider()

	n := &Node{config: cfg}
	n.BaseService = *service.NewBaseService(logger, "Node", n)

	n.genesis = types.GenesisHeader()
	headers, bodies := types.MakeChain(n.genesis, int(cfg.Network.ChainLength),
		cfg.Network.TxsPerBlock, cfg.Network.TxSize)
	chain := append([]*types.SealedHeader{n.genesis}, headers...)
	chainBodies := append([]*types.Body{{}}, bodies...)
	n.tip = chain[len(chain)-1]

	n.network = simnet.New(chain, chainBodies)
	n.peers = peerset.New(peerset.WithLogger(logger))
	for i := 0; i < cfg.Network.Peers; i++ {
		id := p2p.ID(fmt.Sprintf("peer-%02d", i))
		peer := n.network.AddPeer(id, simnet.WithLatency(cfg.Network.Latency))
		if err := n.peers.AddPeer(peer); err != nil {
			return nil, err
		}
		injectFaults(n.network, id, cfg.Network.FaultRate, o.rng)
	}

	db, err := o.dbProvider(&config.DBContext{ID: "blockstore", Config: cfg})
	if err != nil {
		return nil, fmt.Errorf("opening block store db: %w", err)
	}
	n.db = db
	n.blockStore, err = store.NewBlockStore(db,
		store.WithMetrics(metrics.Store),
		store.WithLogger(logger),
	)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := n.preload(chain, chainBodies); err != nil {
		db.Close()
		return nil, err
	}

	syncOpts := []pipeline.Option{
		pipeline.WithMetrics(metrics.Headers, metrics.Bodies, metrics.Dispatch),
		pipeline.WithReporter(n.peers),
	}
	if cfg.Instrumentation.TraceStdout {
		if n.tracerProvider, err = setupTracing(o.traceWriter); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		syncOpts = append(syncOpts, pipeline.WithTracerProvider(n.tracerProvider))
	}
	n.syncer = pipeline.NewSyncer(cfg, n.blockStore, n.network, n.peers, validation.ChainValidator{}, syncOpts...)
	n.syncer.SetLogger(logger)

	return n, nil
}

// preload stores genesis and the blocks up to the configured local head.
func (n *Node) preload(chain []*types.SealedHeader, bodies []*types.Body) error {
	if err := n.blockStore.Bootstrap(n.genesis); err != nil {
		return err
	}
	local := n.config.Network.LocalHead
	blocks := make([]*types.Block, 0, local)
	for i := uint64(1); i <= local; i++ {
		blocks = append(blocks, types.NewBlock(chain[i], bodies[i]))
	}
	return n.blockStore.SaveBlocks(blocks)
}

// injectFaults scripts the first requests a peer serves, each one faulty
// with probability rate.
func injectFaults(net *simnet.Network, id p2p.ID, rate float64, rng *rand.Rand) {
	if rate <= 0 {
		return
	}
	script := func() []simnet.Fault {
		s := make([]simnet.Fault, faultWindow)
		for i := range s {
			if rng.Float64() < rate {
				s[i] = faults[rng.Intn(len(faults))]
			}
		}
		return s
	}
	net.ScriptHeaders(id, script()...)
	net.ScriptBodies(id, script()...)
}

// OnStart implements service.Service.
func (n *Node) OnStart(ctx context.Context) error {
	if err := n.syncer.Start(ctx); err != nil {
		return err
	}
	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	go n.routine(ctx)
	return nil
}

// OnStop implements service.Service.
func (n *Node) OnStop() {
	n.cancel()
	<-n.done

	if err := n.syncer.Stop(); err != nil && !errors.Is(err, service.ErrAlreadyStopped) {
		n.Logger.Error("error stopping syncer", "err", err)
	}
	if n.prometheusSrv != nil {
		if err := n.prometheusSrv.Shutdown(context.Background()); err != nil {
			// Error from closing listeners, or context timeout:
			n.Logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}
	if n.tracerProvider != nil {
		if err := n.tracerProvider.Shutdown(context.Background()); err != nil {
			n.Logger.Error("error shutting down tracer provider", "err", err)
		}
	}
	if err := n.db.Close(); err != nil {
		n.Logger.Error("error closing block store db", "err", err)
	}
}

// SyncTo asks the node to sync up to target.
func (n *Node) SyncTo(target types.SyncTarget) { n.syncer.SetTarget(target) }

// Status returns the state of the latest sync.
func (n *Node) Status() pipeline.Status { return n.syncer.Status() }

// Tip returns the head of the simulated chain.
func (n *Node) Tip() *types.SealedHeader {
	n.tipMtx.Lock()
	defer n.tipMtx.Unlock()
	return n.tip
}

// BlockStore returns the node's block store.
func (n *Node) BlockStore() *store.BlockStore { return n.blockStore }

// Network returns the simulated network.
func (n *Node) Network() *simnet.Network { return n.network }

// PeerSet returns the peers the node selects from.
func (n *Node) PeerSet() *peerset.PeerSet { return n.peers }

// routine grows the simulated chain every block interval and keeps the peer
// set in line with the network.
func (n *Node) routine(ctx context.Context) {
	defer close(n.done)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	var blocks <-chan time.Time
	if interval := n.config.Network.BlockInterval; interval > 0 {
		blockTicker := time.NewTicker(interval)
		defer blockTicker.Stop()
		blocks = blockTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-blocks:
			n.growChain()
			n.refreshPeers()
		case <-ticker.C:
			n.refreshPeers()
		}
	}
}

// growChain appends one block to the simulated chain.
func (n *Node) growChain() {
	n.tipMtx.Lock()
	defer n.tipMtx.Unlock()
	headers, bodies := types.MakeChain(n.tip, 1, n.config.Network.TxsPerBlock, n.config.Network.TxSize)
	n.network.AddBlocks(headers, bodies)
	n.tip = headers[0]
	n.Logger.Debug("new block", "tip", n.tip)
}

// refreshPeers updates the heads announced by connected peers and adds back
// the ones that were dropped and whose ban expired.
func (n *Node) refreshPeers() {
	for _, peer := range n.network.Peers() {
		if _, ok := n.peers.Score(peer.ID); ok {
			n.peers.UpdateHead(peer.ID, peer.BestHash, peer.BestNumber)
			continue
		}
		if n.peers.IsBanned(peer.ID) {
			continue
		}
		if err := n.peers.AddPeer(peer); err != nil {
			n.Logger.Debug("could not reconnect peer", "peer", peer.ID, "err", err)
			continue
		}
		n.Logger.Info("reconnected peer", "peer", peer.ID)
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Error starting or closing listener:
			n.Logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}
