// Package dispatch sends bounded-concurrency requests to peers and reports
// each one back as a Completion, with per-request retry accounting.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/celestiaorg/chainsync/behavior"
	"github.com/celestiaorg/chainsync/downloaders"
	"github.com/celestiaorg/chainsync/libs/log"
	"github.com/celestiaorg/chainsync/p2p"
)

// Fetcher sends one request to one peer.
type Fetcher[R, Resp any] func(ctx context.Context, peer p2p.ID, req R) (Resp, error)

// Config bounds a Dispatcher.
type Config struct {
	// Name labels logs and metrics ("headers", "bodies").
	Name string
	// MaxConcurrent is the maximum number of requests in flight.
	MaxConcurrent int
	// MaxRetries is the number of attempts a request gets before the run
	// fails with downloaders.ErrExhaustedRetries.
	MaxRetries int
	// RequestTimeout bounds every attempt.
	RequestTimeout time.Duration
	// BackoffInitial and BackoffMax shape the delay before a retry.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// PendingSlot is one outstanding request. Its fields are only modified by the
// goroutine that owns the Dispatcher.
type PendingSlot[R any] struct {
	ID            uint64
	Request       R
	InFlightSince time.Time
	Attempts      int

	backoff *backoff.ExponentialBackOff
}

// Completion is the outcome of one attempt of a PendingSlot.
type Completion[R, Resp any] struct {
	Slot     *PendingSlot[R]
	Peer     p2p.ID
	Response Resp
	// Err is nil on success. Otherwise it wraps downloaders.ErrNetworkFailure
	// and the underlying cause.
	Err error
}

// Dispatcher owns the PendingSlots of one downloader run.
//
// Dispatch, Retry and Release must be called from a single goroutine, the
// one that receives from Completed. Attempts run on their own goroutines.
type Dispatcher[R, Resp any] struct {
	cfg      Config
	selector p2p.PeerSelector
	fetch    Fetcher[R, Resp]
	reporter behavior.Reporter
	metrics  *Metrics
	logger   log.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	completed chan Completion[R, Resp]

	nextID  uint64
	pending map[uint64]*PendingSlot[R]
}

// Option sets an optional parameter on the Dispatcher.
type Option func(*options)

type options struct {
	metrics  *Metrics
	logger   log.Logger
	reporter behavior.Reporter
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReporter sets the reporter network failures are reported to.
func WithReporter(r behavior.Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// New returns a Dispatcher whose attempts live until ctx is done or Close is
// called.
func New[R, Resp any](
	ctx context.Context,
	cfg Config,
	selector p2p.PeerSelector,
	fetch Fetcher[R, Resp],
	opts ...Option,
) *Dispatcher[R, Resp] {
	o := options{
		metrics:  NopMetrics(),
		logger:   log.NewNopLogger(),
		reporter: behavior.NopReporter{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	return &Dispatcher[R, Resp]{
		cfg:       cfg,
		selector:  selector,
		fetch:     fetch,
		reporter:  o.reporter,
		metrics:   o.metrics.forDownloader(cfg.Name),
		logger:    o.logger.With("module", "dispatch", "downloader", cfg.Name),
		ctx:       ctx,
		cancel:    cancel,
		completed: make(chan Completion[R, Resp], cfg.MaxConcurrent),
		pending:   make(map[uint64]*PendingSlot[R]),
	}
}

// Completed delivers one Completion per attempt. After receiving one the
// owner must call either Retry or Release with it.
func (d *Dispatcher[R, Resp]) Completed() <-chan Completion[R, Resp] {
	return d.completed
}

// HasCapacity reports whether another request may be dispatched.
func (d *Dispatcher[R, Resp]) HasCapacity() bool {
	return len(d.pending) < d.cfg.MaxConcurrent
}

// InFlight returns the number of outstanding requests.
func (d *Dispatcher[R, Resp]) InFlight() int {
	return len(d.pending)
}

// Idle reports whether nothing is outstanding.
func (d *Dispatcher[R, Resp]) Idle() bool {
	return len(d.pending) == 0
}

// Dispatch sends req to a peer chosen by the selector. It may exceed
// MaxConcurrent; callers check HasCapacity first.
func (d *Dispatcher[R, Resp]) Dispatch(req R) *PendingSlot[R] {
	d.nextID++
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffInitial
	b.MaxInterval = d.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	slot := &PendingSlot[R]{
		ID:       d.nextID,
		Request:  req,
		Attempts: 1,
		backoff:  b,
	}
	d.pending[slot.ID] = slot
	d.metrics.InFlight.Set(float64(len(d.pending)))
	d.send(slot, 0, "")
	return slot
}

// Retry re-sends the request of a failed completion, after a backoff delay,
// to a peer other than the one that failed when possible. Once the request
// has been attempted MaxRetries times it is released instead and the returned
// error wraps downloaders.ErrExhaustedRetries.
func (d *Dispatcher[R, Resp]) Retry(c Completion[R, Resp]) error {
	return d.retry(c.Slot, c.Peer, c.Err)
}

// Reject re-sends a request whose response was accepted and released
// earlier but later turned out to be invalid, for example when it did not
// link to data that arrived after it. It follows the same retry budget as
// Retry.
func (d *Dispatcher[R, Resp]) Reject(slot *PendingSlot[R], peer p2p.ID, cause error) error {
	d.pending[slot.ID] = slot
	d.metrics.InFlight.Set(float64(len(d.pending)))
	return d.retry(slot, peer, cause)
}

func (d *Dispatcher[R, Resp]) retry(slot *PendingSlot[R], peer p2p.ID, cause error) error {
	if slot.Attempts >= d.cfg.MaxRetries {
		delete(d.pending, slot.ID)
		d.metrics.InFlight.Set(float64(len(d.pending)))
		d.logger.Error("request exhausted retries", "id", slot.ID, "request", slot.Request, "attempts", slot.Attempts, "err", cause)
		return fmt.Errorf("%w after %d attempts", downloaders.ErrExhaustedRetries, slot.Attempts)
	}

	slot.Attempts++
	var delay time.Duration
	if d.cfg.BackoffInitial > 0 {
		delay = slot.backoff.NextBackOff()
	}
	d.metrics.RequestsRetried.Add(1)
	d.logger.Debug("retrying request", "id", slot.ID, "request", slot.Request, "attempt", slot.Attempts, "after", delay, "err", cause)
	d.send(slot, delay, peer)
	return nil
}

// Release forgets a completed slot.
func (d *Dispatcher[R, Resp]) Release(c Completion[R, Resp]) {
	delete(d.pending, c.Slot.ID)
	d.metrics.InFlight.Set(float64(len(d.pending)))
}

// Penalize reports the peer of a completion for a response that failed
// structural or content validation.
func (d *Dispatcher[R, Resp]) Penalize(pb behavior.PeerBehavior) {
	d.metrics.RequestsFailed.With("kind", pb.Reason.String()).Add(1)
	if err := d.reporter.Report(pb); err != nil {
		d.logger.Error("failed to report peer", "peer", pb.PeerID, "err", err)
	}
}

// Close aborts every outstanding attempt and waits for their goroutines to
// exit. Completions that were not received yet are dropped.
func (d *Dispatcher[R, Resp]) Close() {
	d.cancel()
	d.wg.Wait()
	d.pending = make(map[uint64]*PendingSlot[R])
	d.metrics.InFlight.Set(0)
}

func (d *Dispatcher[R, Resp]) send(slot *PendingSlot[R], delay time.Duration, avoid p2p.ID) {
	slot.InFlightSince = time.Now().Add(delay)
	req := slot.Request

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-d.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}

		c := Completion[R, Resp]{Slot: slot}
		c.Peer, c.Response, c.Err = d.attempt(req, avoid)

		select {
		case d.completed <- c:
		case <-d.ctx.Done():
		}
	}()
}

func (d *Dispatcher[R, Resp]) attempt(req R, avoid p2p.ID) (p2p.ID, Resp, error) {
	var zero Resp

	var exclude []p2p.ID
	if avoid != "" {
		exclude = append(exclude, avoid)
	}
	peer, err := d.selector.SelectPeer(d.ctx, exclude...)
	if err != nil {
		d.metrics.RequestsFailed.With("kind", "no peer").Add(1)
		return "", zero, fmt.Errorf("%w: select peer: %w", downloaders.ErrNetworkFailure, err)
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.RequestTimeout)
	defer cancel()

	d.metrics.RequestsSent.Add(1)
	start := time.Now()
	resp, err := d.fetch(ctx, peer.ID, req)
	d.metrics.RequestDuration.Observe(time.Since(start).Seconds())
	if err == nil {
		return peer.ID, resp, nil
	}

	if d.ctx.Err() != nil {
		return peer.ID, zero, d.ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = p2p.NewRequestError(p2p.Timeout, peer.ID, err)
	}
	if kind, ok := p2p.ErrorKind(err); ok {
		d.metrics.RequestsFailed.With("kind", kind.String()).Add(1)
	} else {
		d.metrics.RequestsFailed.With("kind", "other").Add(1)
	}
	if pb, ok := behavior.FromRequestError(peer.ID, err); ok {
		if rerr := d.reporter.Report(pb); rerr != nil {
			d.logger.Error("failed to report peer", "peer", peer.ID, "err", rerr)
		}
	}
	return peer.ID, zero, fmt.Errorf("%w: %w", downloaders.ErrNetworkFailure, err)
}
