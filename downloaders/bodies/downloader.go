// Package bodies downloads the bodies of an ordered stream of validated
// headers and hands the assembled blocks downstream in batches bounded by
// count and size.
package bodies

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

// Downloader runs one body download at a time. Starting a new download
// supersedes the current one.
type Downloader struct {
	cfg      *config.BodiesConfig
	client   p2p.BodiesClient
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
	cfg *config.BodiesConfig,
	client p2p.BodiesClient,
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
	d.logger = l.With("module", "bodies")
}

// Download starts fetching the bodies of the headers received on headers,
// which must be ascending and already validated. The run completes once
// headers is closed and every block has been handed out. A run in progress
// is aborted first and ends with downloaders.ErrSuperseded.
func (d *Downloader) Download(ctx context.Context, headers <-chan []*types.SealedHeader) *Run {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if d.run != nil {
		d.run.abort(downloaders.ErrSuperseded)
		<-d.run.Done()
	}

	ctx, cancel := context.WithCancelCause(ctx)
	r := &Run{
		batches: make(chan []*types.Block),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	r.state.Store(downloaders.Syncing)
	d.run = r

	rs := &runState{
		Downloader: d,
		run:        r,
		source:     headers,
		emitter:    NewEmitter(d.cfg.BatchItemThreshold, d.cfg.BatchByteThreshold),
		logger:     d.logger,
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

// Run is one body download.
type Run struct {
	batches chan []*types.Block
	done    chan struct{}
	cancel  context.CancelCauseFunc

	state   downloaders.AtomicState
	err     error
	headers atomic.Uint64
	emitted atomic.Uint64
}

// Batches delivers ascending, gap-free block batches. It is closed when the
// run ends.
func (r *Run) Batches() <-chan []*types.Block { return r.batches }

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

// Headers returns the number of headers received so far.
func (r *Run) Headers() uint64 { return r.headers.Load() }

// Emitted returns the number of blocks handed out so far.
func (r *Run) Emitted() uint64 { return r.emitted.Load() }

func (r *Run) abort(cause error) { r.cancel(cause) }
