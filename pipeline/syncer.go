// Package pipeline feeds the header stream into the body downloader and
// persists the resulting block batches.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/celestiaorg/chainsync/behavior"
	"github.com/celestiaorg/chainsync/config"
	"github.com/celestiaorg/chainsync/downloaders/bodies"
	"github.com/celestiaorg/chainsync/downloaders/dispatch"
	"github.com/celestiaorg/chainsync/downloaders/headers"
	"github.com/celestiaorg/chainsync/downloaders/validation"
	"github.com/celestiaorg/chainsync/libs/log"
	"github.com/celestiaorg/chainsync/libs/service"
	cmtsync "github.com/celestiaorg/chainsync/libs/sync"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/store"
	"github.com/celestiaorg/chainsync/types"
)

const tracerName = "github.com/celestiaorg/chainsync/pipeline"

// ErrNoLocalHead is returned when syncing into a store without a first
// header.
var ErrNoLocalHead = errors.New("block store has no head")

// Status describes the latest sync.
type Status struct {
	Syncing bool
	Target  types.SyncTarget
	Height  types.BlockNumber
	Err     error
	// Number of syncs that ran to the end, successfully or not.
	Completed uint64
}

// Syncer downloads the blocks between the store's head and a sync target and
// saves them. It runs one sync at a time; a new target supersedes the
// current one.
type Syncer struct {
	service.BaseService

	store   *store.BlockStore
	retain  uint64
	headers *headers.Downloader
	bodies  *bodies.Downloader
	tracer  trace.Tracer

	targetMtx cmtsync.Mutex
	targets   chan types.SyncTarget
	cancel    context.CancelFunc
	done      chan struct{}

	mtx    cmtsync.RWMutex
	status Status
}

type options struct {
	headerMetrics   *headers.Metrics
	bodyMetrics     *bodies.Metrics
	dispatchMetrics *dispatch.Metrics
	reporter        behavior.Reporter
	tracerProvider  trace.TracerProvider
}

// Option sets an optional parameter on the Syncer.
type Option func(*options)

// WithMetrics sets the metrics of both downloaders.
func WithMetrics(hm *headers.Metrics, bm *bodies.Metrics, dm *dispatch.Metrics) Option {
	return func(o *options) {
		o.headerMetrics = hm
		o.bodyMetrics = bm
		o.dispatchMetrics = dm
	}
}

// WithReporter sets where misbehaving peers are reported.
func WithReporter(r behavior.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithTracerProvider sets the tracer provider. The global one is used by
// default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// NewSyncer returns a Syncer saving into bs the blocks fetched through
// client from peers chosen by selector.
func NewSyncer(
	cfg *config.Config,
	bs *store.BlockStore,
	client p2p.Client,
	selector p2p.PeerSelector,
	validator validation.Validator,
	opts ...Option,
) *Syncer {
	o := options{
		headerMetrics:   headers.NopMetrics(),
		bodyMetrics:     bodies.NopMetrics(),
		dispatchMetrics: dispatch.NopMetrics(),
		reporter:        behavior.NopReporter{},
		tracerProvider:  otel.GetTracerProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Syncer{
		store:  bs,
		retain: cfg.RetainBlocks,
		headers: headers.NewDownloader(cfg.Headers, client, selector, validator,
			headers.WithMetrics(o.headerMetrics, o.dispatchMetrics),
			headers.WithReporter(o.reporter),
		),
		bodies: bodies.NewDownloader(cfg.Bodies, client, selector, validator,
			bodies.WithMetrics(o.bodyMetrics, o.dispatchMetrics),
			bodies.WithReporter(o.reporter),
		),
		tracer:  o.tracerProvider.Tracer(tracerName),
		targets: make(chan types.SyncTarget, 1),
	}
	s.BaseService = *service.NewBaseService(nil, "Syncer", s)
	return s
}

// SetLogger sets the logger of the syncer and its downloaders.
func (s *Syncer) SetLogger(l log.Logger) {
	s.Logger = l.With("module", "pipeline")
	s.headers.SetLogger(l)
	s.bodies.SetLogger(l)
}

// OnStart implements service.Service.
func (s *Syncer) OnStart(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.routine(ctx)
	return nil
}

// OnStop implements service.Service. It aborts the current sync and waits
// for it to exit.
func (s *Syncer) OnStop() {
	s.cancel()
	<-s.done
}

// SetTarget asks the running Syncer to sync up to target. A pending target
// that was not picked up yet is replaced.
func (s *Syncer) SetTarget(target types.SyncTarget) {
	s.targetMtx.Lock()
	defer s.targetMtx.Unlock()
	select {
	case <-s.targets:
	default:
	}
	s.targets <- target
}

// Status returns the state of the latest sync.
func (s *Syncer) Status() Status {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	status := s.status
	status.Height = s.store.Height()
	return status
}

func (s *Syncer) routine(ctx context.Context) {
	defer close(s.done)

	var (
		cancel  = func() {}
		results chan error
	)
	abort := func() {
		cancel()
		if results != nil {
			<-results
			results = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			abort()
			return

		case target := <-s.targets:
			abort()
			s.mtx.Lock()
			s.status.Syncing, s.status.Target, s.status.Err = true, target, nil
			s.mtx.Unlock()

			var syncCtx context.Context
			syncCtx, cancel = context.WithCancel(ctx)
			results = make(chan error, 1)
			go func(ch chan<- error) {
				ch <- s.Sync(syncCtx, target)
			}(results)

		case err := <-results:
			results = nil
			s.mtx.Lock()
			s.status.Syncing = false
			s.status.Err = err
			s.status.Completed++
			s.mtx.Unlock()
			if err != nil {
				s.Logger.Error("sync failed", "err", err)
			}
		}
	}
}

// Sync downloads and saves the blocks between the store's head and target,
// returning once they are saved or the first error.
func (s *Syncer) Sync(ctx context.Context, target types.SyncTarget) (err error) {
	local := s.store.Head()
	if local == nil {
		return ErrNoLocalHead
	}

	ctx, span := s.tracer.Start(ctx, "Sync", trace.WithAttributes(
		attribute.Int64("local", int64(local.Number())),
		attribute.String("target", target.String()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if s.stored(target) {
		s.Logger.Info("target already stored", "target", target)
		return nil
	}
	s.Logger.Info("syncing", "local", local.Number(), "target", target)

	g, gctx := errgroup.WithContext(ctx)
	headerRun := s.headers.SetTarget(gctx, local, target)
	source := make(chan []*types.SealedHeader)
	bodyRun := s.bodies.Download(gctx, source)
	defer func() {
		<-headerRun.Done()
		<-bodyRun.Done()
	}()

	g.Go(func() error {
		defer close(source)
		for batch := range headerRun.Batches() {
			select {
			case source <- batch:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		if err := headerRun.Err(); err != nil {
			return fmt.Errorf("downloading headers: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for batch := range bodyRun.Batches() {
			if err := s.persist(gctx, batch); err != nil {
				return err
			}
		}
		if err := bodyRun.Err(); err != nil {
			return fmt.Errorf("downloading bodies: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	s.Logger.Info("synced", "height", s.store.Height(), "blocks", bodyRun.Emitted())
	return nil
}

func (s *Syncer) persist(ctx context.Context, batch []*types.Block) error {
	_, span := s.tracer.Start(ctx, "SaveBlocks", trace.WithAttributes(
		attribute.Int64("from", int64(batch[0].Number())),
		attribute.Int64("to", int64(batch[len(batch)-1].Number())),
		attribute.Int("blocks", len(batch)),
	))
	defer span.End()

	if err := s.store.SaveBlocks(batch); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("saving blocks: %w", err)
	}
	return s.prune()
}

// prune drops the blocks that fell out of the retained window.
func (s *Syncer) prune() error {
	height := s.store.Height()
	if s.retain == 0 || height < s.retain {
		return nil
	}
	pruned, err := s.store.PruneBlocks(height - s.retain + 1)
	if err != nil {
		return fmt.Errorf("pruning blocks: %w", err)
	}
	if pruned > 0 {
		s.Logger.Debug("pruned blocks", "pruned", pruned, "base", s.store.Base())
	}
	return nil
}

// stored reports whether the target block is in the store already.
func (s *Syncer) stored(target types.SyncTarget) bool {
	if target.IsTip() {
		return false
	}
	hash := target.Hash()
	if h := target.Header(); h != nil {
		hash = h.Hash()
	}
	return s.store.LoadHeaderByHash(hash) != nil
}
