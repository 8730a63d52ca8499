// Package peerset tracks connected peers, their reputation and temporary
// bans, and picks the peer each request goes to.
package peerset

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mroth/weightedrand"

	"github.com/celestiaorg/chainsync/behavior"
	"github.com/celestiaorg/chainsync/libs/log"
	cmtsync "github.com/celestiaorg/chainsync/libs/sync"
	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/types"
)

const (
	// DefaultScore is the reputation every peer starts with.
	DefaultScore = 100
	// DefaultBanDuration is how long a peer whose score dropped to zero is
	// refused.
	DefaultBanDuration = 60 * time.Second

	maxBannedPeers = 1024
)

type peerInfo struct {
	peer  p2p.Peer
	score int
}

// PeerSet is a concurrency-safe p2p.PeerSelector and behavior.Reporter.
// Peers are picked at random, weighted by their current score.
type PeerSet struct {
	mtx cmtsync.Mutex

	peers       map[p2p.ID]*peerInfo
	banned      *lru.Cache[p2p.ID, time.Time] // peer -> ban expiry
	banDuration time.Duration

	logger log.Logger
	now    func() time.Time
}

var (
	_ p2p.PeerSelector  = (*PeerSet)(nil)
	_ behavior.Reporter = (*PeerSet)(nil)
)

// Option sets an optional parameter on the PeerSet.
type Option func(*PeerSet)

// WithBanDuration sets how long peers stay banned.
func WithBanDuration(d time.Duration) Option {
	return func(ps *PeerSet) { ps.banDuration = d }
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(ps *PeerSet) { ps.logger = l }
}

// New returns an empty PeerSet.
func New(opts ...Option) *PeerSet {
	banned, err := lru.New[p2p.ID, time.Time](maxBannedPeers)
	if err != nil {
		panic(err) // only fails for a non-positive size
	}
	ps := &PeerSet{
		peers:       make(map[p2p.ID]*peerInfo),
		banned:      banned,
		banDuration: DefaultBanDuration,
		logger:      log.NewNopLogger(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(ps)
	}
	return ps
}

// AddPeer adds a peer, or refreshes the head of an existing one. Banned peers
// are refused.
func (ps *PeerSet) AddPeer(peer p2p.Peer) error {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if ps.isBanned(peer.ID) {
		return fmt.Errorf("peer %v is banned", peer.ID)
	}
	if existing, ok := ps.peers[peer.ID]; ok {
		existing.peer = peer
		return nil
	}
	ps.peers[peer.ID] = &peerInfo{peer: peer, score: DefaultScore}
	ps.logger.Debug("added peer", "peer", peer.ID, "best", peer.BestNumber)
	return nil
}

// UpdateHead records a new announced head for a known peer.
func (ps *PeerSet) UpdateHead(id p2p.ID, hash common.Hash, number types.BlockNumber) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	if p, ok := ps.peers[id]; ok {
		p.peer.BestHash = hash
		p.peer.BestNumber = number
	}
}

// RemovePeer forgets a peer.
func (ps *PeerSet) RemovePeer(id p2p.ID) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	delete(ps.peers, id)
}

// Len returns the number of connected, non-banned peers.
func (ps *PeerSet) Len() int {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	return len(ps.peers)
}

// Score returns the current score of a peer and whether it is known.
func (ps *PeerSet) Score(id p2p.ID) (int, bool) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	p, ok := ps.peers[id]
	if !ok {
		return 0, false
	}
	return p.score, true
}

// IsBanned reports whether the peer is currently banned.
func (ps *PeerSet) IsBanned(id p2p.ID) bool {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	return ps.isBanned(id)
}

// CONTRACT: ps.mtx must be held.
func (ps *PeerSet) isBanned(id p2p.ID) bool {
	until, ok := ps.banned.Get(id)
	if !ok {
		return false
	}
	if ps.now().After(until) {
		ps.banned.Remove(id)
		return false
	}
	return true
}

// BestPeer returns the peer that announced the highest head. Ties go to the
// higher score. Peers in avoid are only considered when there is no other
// peer.
func (ps *PeerSet) BestPeer(ctx context.Context, avoid ...p2p.ID) (p2p.Peer, error) {
	if err := ctx.Err(); err != nil {
		return p2p.Peer{}, err
	}

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if len(ps.peers) == 0 {
		return p2p.Peer{}, p2p.ErrNoPeers
	}
	if best := ps.best(avoid); best != nil {
		return best.peer, nil
	}
	return ps.best(nil).peer, nil
}

// CONTRACT: ps.mtx must be held.
func (ps *PeerSet) best(avoid []p2p.ID) *peerInfo {
	var best *peerInfo
	for id, p := range ps.peers {
		if contains(avoid, id) {
			continue
		}
		switch {
		case best == nil,
			p.peer.BestNumber > best.peer.BestNumber,
			p.peer.BestNumber == best.peer.BestNumber && p.score > best.score:
			best = p
		}
	}
	return best
}

// SelectPeer picks a peer at random, weighted by score. Peers in avoid are
// only considered when there is no other peer.
func (ps *PeerSet) SelectPeer(ctx context.Context, avoid ...p2p.ID) (p2p.Peer, error) {
	if err := ctx.Err(); err != nil {
		return p2p.Peer{}, err
	}

	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	if len(ps.peers) == 0 {
		return p2p.Peer{}, p2p.ErrNoPeers
	}

	choices := make([]weightedrand.Choice, 0, len(ps.peers))
	for id, p := range ps.peers {
		if contains(avoid, id) {
			continue
		}
		choices = append(choices, weightedrand.NewChoice(p, uint(p.score)))
	}
	if len(choices) == 0 {
		for _, p := range ps.peers {
			choices = append(choices, weightedrand.NewChoice(p, uint(p.score)))
		}
	}

	chooser, err := weightedrand.NewChooser(choices...)
	if err != nil {
		return p2p.Peer{}, fmt.Errorf("selecting peer: %w", err)
	}
	return chooser.Pick().(*peerInfo).peer, nil
}

// Report lowers the score of the reported peer. A peer whose score reaches
// zero is removed and banned for the ban duration.
func (ps *PeerSet) Report(pb behavior.PeerBehavior) error {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()

	p, ok := ps.peers[pb.PeerID]
	if !ok {
		return nil
	}
	p.score -= pb.Reason.Penalty()
	ps.logger.Debug("penalized peer", "peer", pb.PeerID, "reason", pb.Reason, "score", p.score)

	if p.score <= 0 {
		delete(ps.peers, pb.PeerID)
		ps.banned.Add(pb.PeerID, ps.now().Add(ps.banDuration))
		ps.logger.Info("banned peer", "peer", pb.PeerID, "reason", pb.Reason, "for", ps.banDuration)
	}
	return nil
}

func contains(ids []p2p.ID, id p2p.ID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
