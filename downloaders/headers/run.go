package headers

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/cenkalti/backoff"

	"github.com/celestiaorg/chainsync/behavior"
	"github.com/celestiaorg/chainsync/downloaders"
	"github.com/celestiaorg/chainsync/downloaders/dispatch"
	"github.com/celestiaorg/chainsync/downloaders/reassembly"
	"github.com/celestiaorg/chainsync/libs/log"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/types"
)

type (
	completion = dispatch.Completion[types.HeaderRequest, []*types.Header]
	slot       = dispatch.PendingSlot[types.HeaderRequest]
)

// item is a validated header waiting in the reassembly buffer, along with
// the request and peer it came from.
type item struct {
	header *types.SealedHeader
	slot   *slot
	peer   p2p.ID
}

// runState is owned by the run goroutine. Buffer positions count down from
// the target: the target header is position 0 and local+1 is the last one.
type runState struct {
	*Downloader

	run    *Run
	local  *types.SealedHeader
	target types.SyncTarget
	logger log.Logger

	tip    *types.SealedHeader
	disp   *dispatch.Dispatcher[types.HeaderRequest, []*types.Header]
	buffer *reassembly.Buffer[*item]

	// Ranges to request again before carving new ones.
	queue []types.HeaderRequest
	// Highest number not requested yet.
	next types.BlockNumber
	// Lowest header drained so far; the next drained header must be its
	// parent.
	last *types.SealedHeader
	// Drained headers, descending. Nothing is emitted before the local head
	// is linked, so this grows with the length of (local, target] and is not
	// bounded by the buffer capacity.
	collected []*types.SealedHeader
}

func (rs *runState) loop(ctx context.Context) {
	err := rs.download(ctx)
	if err == nil {
		err = rs.emit(ctx)
	}

	if err != nil {
		rs.run.err = err
		rs.run.state.Store(downloaders.Failed)
		if errors.Is(err, downloaders.ErrSuperseded) || errors.Is(err, context.Canceled) {
			rs.logger.Info("header download aborted", "reason", err)
		} else {
			rs.logger.Error("header download failed", "err", err)
		}
	} else {
		rs.run.state.Store(downloaders.Completed)
	}
	rs.metrics.Syncing.Set(0)
	rs.metrics.Buffered.Set(0)
	close(rs.run.done)
	close(rs.run.batches)
}

func (rs *runState) download(ctx context.Context) error {
	tip, err := rs.resolve(ctx)
	if err != nil {
		return err
	}
	if tip == nil || tip.Number() <= rs.local.Number() {
		rs.logger.Info("target at or below local head, nothing to download")
		return nil
	}

	rs.tip = tip
	rs.run.target.Store(tip.Number())
	rs.metrics.TargetHeight.Set(float64(tip.Number()))
	rs.metrics.Syncing.Set(1)
	rs.logger.Info("downloading headers", "from", rs.local.Number()+1, "to", tip.Number())

	rs.disp = dispatch.New(ctx, dispatch.Config{
		Name:           "headers",
		MaxConcurrent:  rs.cfg.MaxConcurrentRequests,
		MaxRetries:     rs.cfg.MaxRetries,
		RequestTimeout: rs.cfg.RequestTimeout,
		BackoffInitial: rs.cfg.RetryBackoffInitial,
		BackoffMax:     rs.cfg.RetryBackoffMax,
	}, rs.selector, rs.client.GetHeaders,
		dispatch.WithMetrics(rs.dispatchMetrics),
		dispatch.WithLogger(rs.logger),
		dispatch.WithReporter(rs.reporter),
	)
	defer rs.disp.Close()

	// The target is validated already, so start right below it.
	rs.buffer = reassembly.New[*item](1, rs.cfg.BufferCapacity)
	rs.last = tip
	rs.collected = append(rs.collected, tip)
	rs.run.downloaded.Add(1)
	rs.metrics.HeadersDownloaded.Add(1)
	rs.next = tip.Number() - 1

	total := tip.Number() - rs.local.Number()
	for rs.buffer.Cursor() < total {
		rs.schedule()

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case c := <-rs.disp.Completed():
			if err := rs.handle(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolve returns the target header, querying a peer for it unless it is
// already known. A tip target is taken from the peer with the highest head;
// each retry moves on to a peer not asked yet. A nil header means there is
// nothing to download.
func (rs *runState) resolve(ctx context.Context) (*types.SealedHeader, error) {
	if h := rs.target.Header(); h != nil {
		return h, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rs.cfg.RetryBackoffInitial
	b.MaxInterval = rs.cfg.RetryBackoffMax
	b.MaxElapsedTime = 0

	var (
		tip      *types.SealedHeader
		avoid    []p2p.ID
		attempts int
	)
	query := func() error {
		attempts++
		pick := rs.selector.SelectPeer
		if rs.target.IsTip() {
			pick = rs.selector.BestPeer
		}
		peer, err := pick(ctx, avoid...)
		if err != nil {
			return err
		}
		avoid = append(avoid, peer.ID)

		hash := rs.target.Hash()
		if rs.target.IsTip() {
			if peer.BestNumber <= rs.local.Number() {
				tip = nil
				return nil
			}
			hash = peer.BestHash
		}

		reqCtx, cancel := context.WithTimeout(ctx, rs.cfg.RequestTimeout)
		defer cancel()

		req := types.HeaderHashRequest(hash)
		headers, err := rs.client.GetHeaders(reqCtx, peer.ID, req)
		if err != nil {
			if pb, ok := behavior.FromRequestError(peer.ID, err); ok {
				rs.report(pb)
			}
			return err
		}
		sealed, err := rs.adapter.HeaderRange(req, headers)
		if err != nil {
			rs.report(badHeaders(peer.ID, err))
			return err
		}
		tip = sealed[0]
		return nil
	}

	retries := backoff.WithMaxRetries(b, uint64(rs.cfg.MaxRetries-1))
	if err := backoff.Retry(query, backoff.WithContext(retries, ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("%w: %v after %d attempts: %w", downloaders.ErrNoTarget, rs.target, attempts, err)
	}
	return tip, nil
}

// schedule fills free dispatch slots, requeued ranges first. New ranges are
// only carved within the buffer's reach.
func (rs *runState) schedule() {
	for rs.disp.HasCapacity() {
		if len(rs.queue) > 0 {
			rs.disp.Dispatch(rs.queue[0])
			rs.queue = rs.queue[1:]
			continue
		}
		if rs.next <= rs.local.Number() {
			return
		}
		start, reach := rs.pos(rs.next), rs.buffer.Reach()
		if start >= reach {
			return
		}
		count := min(rs.cfg.RequestRangeLimit, rs.next-rs.local.Number(), reach-start)
		rs.disp.Dispatch(types.HeaderRangeRequest(rs.next, count, types.Reverse))
		rs.next -= count
	}
}

func (rs *runState) handle(c completion) error {
	if c.Err != nil {
		return rs.retry(c, c.Err)
	}

	req := c.Slot.Request
	sealed, err := rs.adapter.HeaderRange(req, c.Response)
	if err != nil {
		rs.logger.Info("invalid header response", "peer", c.Peer, "request", req, "err", err)
		rs.penalize(badHeaders(c.Peer, err))
		return rs.retry(c, err)
	}
	rs.disp.Release(c)

	// Headers are numbered downwards; whatever is not inserted is asked for
	// again.
	lowest := req.Start.Number + 1
	for _, h := range sealed {
		if err := rs.buffer.Insert(rs.pos(h.Number()), &item{header: h, slot: c.Slot, peer: c.Peer}); err != nil {
			rs.logger.Error("could not buffer header", "number", h.Number(), "err", err)
			break
		}
		lowest = h.Number()
	}
	if low := lowNumber(req); lowest > low {
		rs.queue = append(rs.queue, types.HeaderRangeRequest(lowest-1, lowest-low, types.Reverse))
	}

	return rs.drain()
}

// drain releases every header that links to the last drained one. A header
// that does not link condemns the whole response it arrived in.
func (rs *runState) drain() error {
	var (
		bad         *item
		badErr      error
		forkedLocal error
	)
	drained := rs.buffer.DrainWhile(func(_ uint64, it *item) bool {
		if err := rs.adapter.Link(it.header, rs.last); err != nil {
			bad, badErr = it, err
			return false
		}
		// The header is linked by hash to the target, so a mismatch here is
		// about the target, not the peer.
		if it.header.Number() == rs.local.Number()+1 {
			if err := rs.adapter.Link(rs.local, it.header); err != nil {
				forkedLocal = fmt.Errorf("%w: %v at %v: %w",
					downloaders.ErrInconsistentTarget, rs.tip, rs.local, err)
				return false
			}
		}
		rs.last = it.header
		return true
	})
	for _, it := range drained {
		rs.collected = append(rs.collected, it.header)
	}
	rs.run.downloaded.Add(uint64(len(drained)))
	rs.metrics.HeadersDownloaded.Add(float64(len(drained)))
	rs.metrics.Buffered.Set(float64(rs.buffer.Len()))

	if forkedLocal != nil {
		return forkedLocal
	}
	if bad == nil {
		return nil
	}

	req := bad.slot.Request
	for n := lowNumber(req); n <= req.Start.Number; n++ {
		pos := rs.pos(n)
		if it, ok := rs.buffer.Get(pos); ok && it.slot == bad.slot {
			rs.buffer.Remove(pos)
		}
	}
	rs.logger.Info("header range does not link", "peer", bad.peer, "request", req, "err", badErr)
	rs.penalize(badHeaders(bad.peer, badErr))
	if err := rs.disp.Reject(bad.slot, bad.peer, badErr); err != nil {
		return rs.rangeError(bad.slot, badErr)
	}
	return nil
}

func (rs *runState) retry(c completion, cause error) error {
	if err := rs.disp.Retry(c); err != nil {
		return rs.rangeError(c.Slot, cause)
	}
	return nil
}

func (rs *runState) rangeError(s *slot, cause error) error {
	return &downloaders.RangeError{
		Range:    downloaders.Range{From: lowNumber(s.Request), To: s.Request.Start.Number},
		Attempts: s.Attempts,
		Cause:    cause,
	}
}

// emit hands the collected headers out in ascending batches.
func (rs *runState) emit(ctx context.Context) error {
	headers := rs.collected
	rs.collected = nil
	slices.Reverse(headers)

	for len(headers) > 0 {
		n := min(rs.cfg.BatchItemThreshold, len(headers))
		batch := headers[:n:n]
		headers = headers[n:]

		// Checked first as select picks at random among ready cases.
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}
		select {
		case rs.run.batches <- batch:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
	if rs.tip != nil {
		rs.logger.Info("header download complete", "headers", rs.run.Downloaded())
	}
	return nil
}

func (rs *runState) penalize(pb behavior.PeerBehavior) {
	rs.metrics.ValidationFailures.Add(1)
	rs.disp.Penalize(pb)
}

func (rs *runState) report(pb behavior.PeerBehavior) {
	rs.metrics.ValidationFailures.Add(1)
	if err := rs.reporter.Report(pb); err != nil {
		rs.logger.Error("failed to report peer", "peer", pb.PeerID, "err", err)
	}
}

func (rs *runState) pos(number types.BlockNumber) uint64 {
	return rs.tip.Number() - number
}

func badHeaders(peer p2p.ID, err error) behavior.PeerBehavior {
	if errors.Is(err, downloaders.ErrValidationFailure) {
		return behavior.BadHeaders(peer, err.Error())
	}
	return behavior.BadMessage(peer, err.Error())
}

// lowNumber is the lowest number a reverse range request covers.
func lowNumber(req types.HeaderRequest) types.BlockNumber {
	return req.Start.Number - req.Limit + 1
}
