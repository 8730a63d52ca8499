// Package headers downloads the headers between the local head and a sync
// target. Headers are fetched from the target backwards, so every response
// can be checked against the already validated descendant, and handed out in
// ascending order once the local head is reached.
package headers

import (
	"context"
	"sync/atomic"

	"github.com/celestiaorg/chainsync/behavior"
	"github.com/celestiaorg/chainsync/config"
	"github.com/celestiaorg/chainsync/downloaders"
	"github.com/celestiaorg/chainsync/downloaders/dispatch"
	"github.com/celestiaorg/chainsync/downloaders/validation"
	"github.com/celestiaorg/chainsync/libs/log"
	cmtsync "github.com/celestiaorg/chainsync/libs/sync"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/types"
)

// Downloader runs one header download at a time. Setting a new target
// supersedes the current run.
type Downloader struct {
	cfg      *config.HeadersConfig
	client   p2p.HeadersClient
	selector p2p.PeerSelector
	reporter behavior.Reporter
	adapter  *validation.Adapter

	metrics         *Metrics
	dispatchMetrics *dispatch.Metrics
	logger          log.Logger

	mtx cmtsync.Mutex
	run *Run
}

// Option sets an optional parameter on the Downloader.
type Option func(*Downloader)

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics, dm *dispatch.Metrics) Option {
	return func(d *Downloader) {
		d.metrics = m
		d.dispatchMetrics = dm
	}
}

// WithReporter sets where misbehaving peers are reported.
func WithReporter(r behavior.Reporter) Option {
	return func(d *Downloader) { d.reporter = r }
}

// NewDownloader returns a Downloader fetching through client from peers
// chosen by selector.
func NewDownloader(
	cfg *config.HeadersConfig,
	client p2p.HeadersClient,
	selector p2p.PeerSelector,
	validator validation.Validator,
	options ...Option,
) *Downloader {
	d := &Downloader{
		cfg:             cfg,
		client:          client,
		selector:        selector,
		reporter:        behavior.NopReporter{},
		adapter:         validation.NewAdapter(validator),
		metrics:         NopMetrics(),
		dispatchMetrics: dispatch.NopMetrics(),
		logger:          log.NewNopLogger(),
	}
	for _, option := range options {
		option(d)
	}
	return d
}

// SetLogger sets the logger.
func (d *Downloader) SetLogger(l log.Logger) {
	d.logger = l.With("module", "headers")
}

// SetTarget starts a run downloading the headers in (local, target]. A run
// in progress is aborted first and ends with downloaders.ErrSuperseded;
// nothing it buffered is emitted.
func (d *Downloader) SetTarget(ctx context.Context, local *types.SealedHeader, target types.SyncTarget) *Run {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.run != nil {
		d.run.abort(downloaders.ErrSuperseded)
		<-d.run.Done()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	r := &Run{
		batches: make(chan []*types.SealedHeader),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	r.state.Store(downloaders.Syncing)
	d.run = r

	rs := &runState{
		Downloader: d,
		run:        r,
		local:      local,
		target:     target,
		logger:     d.logger.With("local", local.Number(), "target", target),
	}
	go rs.loop(ctx)
	return r
}

// State returns the state of the latest run, or Idle if none was started.
func (d *Downloader) State() downloaders.State {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.run == nil {
		return downloaders.Idle
	}
	return d.run.State()
}

// Stop aborts the current run, if any, and waits for it to exit.
func (d *Downloader) Stop() {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.run != nil {
		d.run.abort(context.Canceled)
		<-d.run.Done()
	}
}

// Run is one header download.
type Run struct {
	batches chan []*types.SealedHeader
	done    chan struct{}
	cancel  context.CancelCauseFunc

	state      downloaders.AtomicState
	err        error
	target     atomic.Uint64
	downloaded atomic.Uint64
}

// Batches delivers ascending, gap-free, parent-linked header batches. It is
// closed when the run ends.
func (r *Run) Batches() <-chan []*types.SealedHeader { return r.batches }

// Done is closed when the run ends.
func (r *Run) Done() <-chan struct{} { return r.done }

// Err returns the terminal error of the run once Done is closed. It is nil
// if the run completed.
func (r *Run) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// State returns the state of the run.
func (r *Run) State() downloaders.State { return r.state.Load() }

// Target returns the resolved target number, or 0 while resolving.
func (r *Run) Target() types.BlockNumber { return r.target.Load() }

// Downloaded returns the number of headers validated so far.
func (r *Run) Downloaded() uint64 { return r.downloaded.Load() }

func (r *Run) abort(cause error) { r.cancel(cause) }
