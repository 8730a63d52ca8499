package bodies

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/celestiaorg/chainsync/behavior"
	"github.com/celestiaorg/chainsync/downloaders"
	"github.com/celestiaorg/chainsync/downloaders/dispatch"
	"github.com/celestiaorg/chainsync/downloaders/reassembly"
	"github.com/celestiaorg/chainsync/libs/log"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/types"
)

// ErrUnorderedHeaders is returned when the header source skips or repeats a
// block number.
var ErrUnorderedHeaders = errors.New("header stream is not contiguous")

// entry is a header waiting for its body, at its position in the stream.
type entry struct {
	pos    uint64
	header *types.SealedHeader
}

// request asks for the bodies of a set of entries, in position order.
type request struct {
	entries []entry
}

func (r request) headers() []*types.SealedHeader {
	headers := make([]*types.SealedHeader, len(r.entries))
	for i, e := range r.entries {
		headers[i] = e.header
	}
	return headers
}

func (r request) bodyRequest() types.BodyRequest {
	ids := make([]types.BlockID, len(r.entries))
	for i, e := range r.entries {
		ids[i] = e.header.ID()
	}
	return types.BodyRequest{IDs: ids}
}

func (r request) String() string { return r.bodyRequest().String() }

type (
	completion = dispatch.Completion[request, []*types.Body]
	slot       = dispatch.PendingSlot[request]
)

// runState is owned by the run goroutine. Positions count up from the first
// header received.
type runState struct {
	*Downloader

	run     *Run
	source  <-chan []*types.SealedHeader
	emitter *Emitter
	logger  log.Logger

	disp   *dispatch.Dispatcher[request, []*types.Body]
	buffer *reassembly.Buffer[*types.Block]

	// Headers whose body is not requested yet, ascending by position.
	queue []entry
	// Position of the next header received.
	next uint64
	// Last header received.
	last *types.SealedHeader
}

func (rs *runState) loop(ctx context.Context) {
	err := rs.download(ctx)
	if err != nil {
		rs.run.err = err
		rs.run.state.Store(downloaders.Failed)
		if errors.Is(err, downloaders.ErrSuperseded) || errors.Is(err, context.Canceled) {
			rs.logger.Info("body download aborted", "reason", err)
		} else {
			rs.logger.Error("body download failed", "err", err)
		}
	} else {
		rs.run.state.Store(downloaders.Completed)
		rs.logger.Info("body download complete", "blocks", rs.run.Emitted())
	}
	rs.metrics.Buffered.Set(0)
	rs.metrics.Queued.Set(0)
	close(rs.run.done)
	close(rs.run.batches)
}

func (rs *runState) download(ctx context.Context) error {
	rs.disp = dispatch.New(ctx, dispatch.Config{
		Name:           "bodies",
		MaxConcurrent:  rs.cfg.MaxConcurrentRequests,
		MaxRetries:     rs.cfg.MaxRetries,
		RequestTimeout: rs.cfg.RequestTimeout,
		BackoffInitial: rs.cfg.RetryBackoffInitial,
		BackoffMax:     rs.cfg.RetryBackoffMax,
	}, rs.selector, rs.fetch,
		dispatch.WithMetrics(rs.dispatchMetrics),
		dispatch.WithLogger(rs.logger),
		dispatch.WithReporter(rs.reporter),
	)
	defer rs.disp.Close()

	rs.buffer = reassembly.New[*types.Block](0, rs.cfg.BufferCapacity)

	for {
		// Blocks stay in the buffer while a batch waits for the sink, which
		// stops new requests once the buffer's reach is used up.
		for {
			if err := rs.schedule(); err != nil {
				return err
			}
			if rs.emitter.HasReady() || !rs.drain() {
				break
			}
		}

		if rs.exhausted() {
			rs.emitter.Flush()
			if rs.emitter.Empty() {
				return nil
			}
		}

		// Checked first as select picks at random among ready cases.
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		var (
			in    <-chan []*types.SealedHeader
			out   chan<- []*types.Block
			batch []*types.Block
		)
		if rs.source != nil && len(rs.queue) < rs.cfg.BufferCapacity {
			in = rs.source
		}
		if b, ok := rs.emitter.Ready(); ok {
			out, batch = rs.run.batches, b
		}

		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case headers, ok := <-in:
			if !ok {
				rs.source = nil
				continue
			}
			if err := rs.enqueue(headers); err != nil {
				return err
			}
		case c := <-rs.disp.Completed():
			if err := rs.handle(c); err != nil {
				return err
			}
		case out <- batch:
			rs.emitter.Pop()
			rs.sent(batch)
		}
	}
}

func (rs *runState) fetch(ctx context.Context, peer p2p.ID, req request) ([]*types.Body, error) {
	return rs.client.GetBodies(ctx, peer, req.bodyRequest().Hashes())
}

// exhausted reports whether every header received so far has been drained
// and no more will come.
func (rs *runState) exhausted() bool {
	return rs.source == nil && len(rs.queue) == 0 && rs.disp.Idle() && rs.buffer.Len() == 0
}

func (rs *runState) enqueue(headers []*types.SealedHeader) error {
	for _, h := range headers {
		if rs.last != nil && h.Number() != rs.last.Number()+1 {
			return fmt.Errorf("%w: got %v after %v", ErrUnorderedHeaders, h, rs.last)
		}
		rs.queue = append(rs.queue, entry{pos: rs.next, header: h})
		rs.next++
		rs.last = h
	}
	rs.run.headers.Add(uint64(len(headers)))
	rs.metrics.Queued.Set(float64(len(rs.queue)))
	return nil
}

// schedule fills empty blocks in directly and carves requests for the rest,
// within the buffer's reach.
func (rs *runState) schedule() error {
	defer func() { rs.metrics.Queued.Set(float64(len(rs.queue))) }()

	reach := rs.buffer.Reach()
	for len(rs.queue) > 0 && rs.queue[0].pos < reach && rs.queue[0].header.Header.IsEmpty() {
		if err := rs.insert(rs.queue[0], &types.Body{}); err != nil {
			return err
		}
		rs.queue = rs.queue[1:]
	}

	for rs.disp.HasCapacity() && len(rs.queue) > 0 {
		var (
			req request
			n   int
		)
		for ; n < len(rs.queue) && uint64(len(req.entries)) < rs.cfg.RequestRangeLimit; n++ {
			e := rs.queue[n]
			if e.pos >= reach {
				break
			}
			if e.header.Header.IsEmpty() {
				if err := rs.insert(e, &types.Body{}); err != nil {
					return err
				}
				continue
			}
			req.entries = append(req.entries, e)
		}
		rs.queue = rs.queue[n:]
		if len(req.entries) == 0 {
			break
		}
		rs.disp.Dispatch(req)
	}
	return nil
}

func (rs *runState) handle(c completion) error {
	if c.Err != nil {
		return rs.retry(c, c.Err)
	}

	req := c.Slot.Request
	if err := rs.adapter.Bodies(req.headers(), c.Response); err != nil {
		rs.logger.Info("invalid body response", "peer", c.Peer, "request", req, "err", err)
		rs.penalize(badBodies(c.Peer, err))
		return rs.retry(c, err)
	}
	rs.disp.Release(c)

	for i, body := range c.Response {
		if err := rs.insert(req.entries[i], body); err != nil {
			return err
		}
	}
	if rest := req.entries[len(c.Response):]; len(rest) > 0 {
		rs.logger.Debug("partial body response", "peer", c.Peer, "request", req, "missing", len(rest))
		rs.requeue(rest...)
	}
	return nil
}

// requeue puts entries back in the queue, which stays sorted by position.
func (rs *runState) requeue(entries ...entry) {
	rs.queue = append(rs.queue, entries...)
	slices.SortFunc(rs.queue, func(a, b entry) int {
		return cmp.Compare(a.pos, b.pos)
	})
}

// insert buffers the block of e. Entries are only scheduled within the
// buffer's reach, so a full buffer means positions were handed out twice.
func (rs *runState) insert(e entry, body *types.Body) error {
	if err := rs.buffer.Insert(e.pos, types.NewBlock(e.header, body)); err != nil {
		return fmt.Errorf("buffering block %v: %w", e.header, err)
	}
	rs.metrics.Buffered.Set(float64(rs.buffer.Len()))
	return nil
}

// drain moves the contiguous blocks to the emitter and reports whether there
// were any.
func (rs *runState) drain() bool {
	drained := rs.buffer.DrainContiguous()
	for _, b := range drained {
		rs.emitter.Push(b)
	}
	rs.metrics.Buffered.Set(float64(rs.buffer.Len()))
	return len(drained) > 0
}

func (rs *runState) sent(batch []*types.Block) {
	size := 0
	for _, b := range batch {
		size += b.Size()
	}
	rs.run.emitted.Add(uint64(len(batch)))
	rs.metrics.Batches.Add(1)
	rs.metrics.BlocksEmitted.Add(float64(len(batch)))
	rs.metrics.BatchSizeBytes.Observe(float64(size))
	rs.logger.Debug("emitted block batch",
		"from", batch[0].Number(), "to", batch[len(batch)-1].Number(), "bytes", size)
}

func (rs *runState) retry(c completion, cause error) error {
	if err := rs.disp.Retry(c); err != nil {
		return rangeError(c.Slot, cause)
	}
	return nil
}

func (rs *runState) penalize(pb behavior.PeerBehavior) {
	rs.metrics.ValidationFailures.Add(1)
	rs.disp.Penalize(pb)
}

func rangeError(s *slot, cause error) error {
	entries := s.Request.entries
	return &downloaders.RangeError{
		Range: downloaders.Range{
			From: entries[0].header.Number(),
			To:   entries[len(entries)-1].header.Number(),
		},
		Attempts: s.Attempts,
		Cause:    cause,
	}
}

func badBodies(peer p2p.ID, err error) behavior.PeerBehavior {
	if errors.Is(err, downloaders.ErrValidationFailure) {
		return behavior.BadBodies(peer, err.Error())
	}
	return behavior.BadMessage(peer, err.Error())
}
