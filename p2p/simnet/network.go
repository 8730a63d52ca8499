// Package simnet is an in-memory network of peers serving a single canonical
// chain. Faults can be scripted per peer and per request type, which makes
// it suitable for deterministic downloader tests and for the simulate
// command.
package simnet

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	cmtsync "github.com/celestiaorg/chainsync/libs/sync"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/types"
)

// Fault is the misbehavior a peer exhibits when answering one request.
type Fault uint8

const (
	// Honest answers correctly.
	Honest Fault = iota
	// Stall never answers; the caller's context deadline fires.
	Stall
	// Drop fails with a dropped connection.
	Drop
	// Unsupported fails with an unsupported capability error.
	Unsupported
	// Invalid answers with well-formed data that fails validation: a header
	// range with broken linkage, or a body not matching its header.
	Invalid
	// Malformed answers with structurally wrong data: a header range with
	// the wrong numbers, or more bodies than requested.
	Malformed
	// Empty answers with an empty list.
	Empty
	// Partial answers bodies requests with only the first body.
	Partial
)

var errUnknownPeer = errors.New("unknown peer")

type simPeer struct {
	id      p2p.ID
	head    types.BlockNumber
	pinned  bool
	latency time.Duration

	headerFaults []Fault
	bodyFaults   []Fault
}

// Network is a p2p.Client backed by memory. Its own peer selection is a
// deterministic round robin.
type Network struct {
	mtx cmtsync.RWMutex

	byNumber map[types.BlockNumber]*types.SealedHeader
	byHash   map[common.Hash]*types.SealedHeader
	bodies   map[common.Hash]*types.Body
	tip      types.BlockNumber

	peers map[p2p.ID]*simPeer
	turn  int

	headerRequests atomic.Int64
	bodyRequests   atomic.Int64
}

var _ p2p.Client = (*Network)(nil)

// New returns a network serving the given ascending chain.
func New(headers []*types.SealedHeader, bodies []*types.Body) *Network {
	n := &Network{
		byNumber: make(map[types.BlockNumber]*types.SealedHeader),
		byHash:   make(map[common.Hash]*types.SealedHeader),
		bodies:   make(map[common.Hash]*types.Body),
		peers:    make(map[p2p.ID]*simPeer),
	}
	n.AddBlocks(headers, bodies)
	return n
}

// AddBlocks extends the served chain. bodies may be shorter than headers;
// missing bodies are served as empty. Peers not limited by WithHead move to
// the new tip.
func (n *Network) AddBlocks(headers []*types.SealedHeader, bodies []*types.Body) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	for i, h := range headers {
		n.byNumber[h.Number()] = h
		n.byHash[h.Hash()] = h
		if i < len(bodies) {
			n.bodies[h.Hash()] = bodies[i]
		}
		if h.Number() > n.tip {
			n.tip = h.Number()
		}
	}
	for _, p := range n.peers {
		if !p.pinned {
			p.head = n.tip
		}
	}
}

// PeerOption configures a simulated peer.
type PeerOption func(*simPeer)

// WithHead limits the chain a peer serves to blocks up to number. The peer
// stays there as the chain grows.
func WithHead(number types.BlockNumber) PeerOption {
	return func(p *simPeer) { p.head, p.pinned = number, true }
}

// WithLatency delays every answer of the peer.
func WithLatency(d time.Duration) PeerOption {
	return func(p *simPeer) { p.latency = d }
}

// AddPeer connects a peer serving the whole chain unless limited by options.
// It returns the peer as a selector would announce it.
func (n *Network) AddPeer(id p2p.ID, opts ...PeerOption) p2p.Peer {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	p := &simPeer{id: id, head: n.tip}
	for _, opt := range opts {
		opt(p)
	}
	n.peers[id] = p
	return n.announce(p)
}

// Peers returns every connected peer.
func (n *Network) Peers() []p2p.Peer {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	peers := make([]p2p.Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, n.announce(p))
	}
	return peers
}

// CONTRACT: n.mtx must be held.
func (n *Network) announce(p *simPeer) p2p.Peer {
	peer := p2p.Peer{ID: p.id, BestNumber: p.head}
	if h, ok := n.byNumber[p.head]; ok {
		peer.BestHash = h.Hash()
	}
	return peer
}

// RemovePeer disconnects a peer. Later requests to it fail as if the session
// was closed.
func (n *Network) RemovePeer(id p2p.ID) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.peers, id)
}

// SelectPeer returns peers in turn, ordered by ID, skipping avoided ones
// unless no other peer is left.
func (n *Network) SelectPeer(ctx context.Context, avoid ...p2p.ID) (p2p.Peer, error) {
	if err := ctx.Err(); err != nil {
		return p2p.Peer{}, err
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()

	ids := make([]p2p.ID, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return p2p.Peer{}, p2p.ErrNoPeers
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for i := 0; i < len(ids); i++ {
		id := ids[(n.turn+i)%len(ids)]
		if !avoided(avoid, id) {
			n.turn += i + 1
			return n.announce(n.peers[id]), nil
		}
	}
	id := ids[n.turn%len(ids)]
	n.turn++
	return n.announce(n.peers[id]), nil
}

// BestPeer returns the peer serving the highest head, the lowest ID among
// equals. Avoided peers are only returned when no other peer is left.
func (n *Network) BestPeer(ctx context.Context, avoid ...p2p.ID) (p2p.Peer, error) {
	if err := ctx.Err(); err != nil {
		return p2p.Peer{}, err
	}

	n.mtx.RLock()
	defer n.mtx.RUnlock()

	if len(n.peers) == 0 {
		return p2p.Peer{}, p2p.ErrNoPeers
	}
	best := n.best(avoid)
	if best == nil {
		best = n.best(nil)
	}
	return n.announce(best), nil
}

// CONTRACT: n.mtx must be held.
func (n *Network) best(avoid []p2p.ID) *simPeer {
	var best *simPeer
	for id, p := range n.peers {
		if avoided(avoid, id) {
			continue
		}
		if best == nil || p.head > best.head || (p.head == best.head && id < best.id) {
			best = p
		}
	}
	return best
}

func avoided(avoid []p2p.ID, id p2p.ID) bool {
	for _, a := range avoid {
		if a == id {
			return true
		}
	}
	return false
}

// ScriptHeaders queues faults for the next header requests served by the
// peer, one per request. Once the queue is empty the peer is honest.
func (n *Network) ScriptHeaders(id p2p.ID, faults ...Fault) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if p, ok := n.peers[id]; ok {
		p.headerFaults = append(p.headerFaults, faults...)
	}
}

// ScriptBodies queues faults for the next body requests served by the peer.
func (n *Network) ScriptBodies(id p2p.ID, faults ...Fault) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if p, ok := n.peers[id]; ok {
		p.bodyFaults = append(p.bodyFaults, faults...)
	}
}

// HeaderRequests returns how many header requests were served.
func (n *Network) HeaderRequests() int64 { return n.headerRequests.Load() }

// BodyRequests returns how many body requests were served.
func (n *Network) BodyRequests() int64 { return n.bodyRequests.Load() }

func (n *Network) nextFault(id p2p.ID, bodies bool) (*simPeer, Fault, error) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	p, ok := n.peers[id]
	if !ok {
		return nil, Honest, p2p.NewRequestError(p2p.ChannelClosed, id, errUnknownPeer)
	}
	queue := &p.headerFaults
	if bodies {
		queue = &p.bodyFaults
	}
	if len(*queue) == 0 {
		return p, Honest, nil
	}
	f := (*queue)[0]
	*queue = (*queue)[1:]
	return p, f, nil
}

// wait applies latency and the non-data faults. It returns a non-nil error
// when the request must fail.
func wait(ctx context.Context, p *simPeer, f Fault) error {
	switch f {
	case Stall:
		<-ctx.Done()
		return ctx.Err()
	case Drop:
		return p2p.NewRequestError(p2p.ConnectionDropped, p.id, nil)
	case Unsupported:
		return p2p.NewRequestError(p2p.UnsupportedCapability, p.id, nil)
	}
	if p.latency > 0 {
		t := time.NewTimer(p.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return ctx.Err()
}
