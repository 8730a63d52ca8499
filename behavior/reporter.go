package behavior

import (
	cmtsync "github.com/celestiaorg/chainsync/libs/sync"
	"github.com/celestiaorg/chainsync/p2p"
)

// Reporter provides an interface for downloaders to report the behavior
// of peers to whoever tracks their reputation.
type Reporter interface {
	Report(behavior PeerBehavior) error
}

// NopReporter discards every report.
type NopReporter struct{}

var _ Reporter = NopReporter{}

func (NopReporter) Report(PeerBehavior) error { return nil }

// MockReporter is a concrete implementation of the Reporter interface used
// in tests. It stores reported behaviors in memory, indexed by peer ID.
type MockReporter struct {
	mtx  cmtsync.RWMutex
	pb   map[p2p.ID][]PeerBehavior
	list []PeerBehavior
}

var _ Reporter = (*MockReporter)(nil)

// NewMockReporter returns a Reporter which records all reported
// behaviors in memory.
func NewMockReporter() *MockReporter {
	return &MockReporter{
		pb: map[p2p.ID][]PeerBehavior{},
	}
}

// Report stores the PeerBehavior produced by the peer identified by peerID.
func (mpbr *MockReporter) Report(behavior PeerBehavior) error {
	mpbr.mtx.Lock()
	defer mpbr.mtx.Unlock()
	mpbr.pb[behavior.PeerID] = append(mpbr.pb[behavior.PeerID], behavior)
	mpbr.list = append(mpbr.list, behavior)
	return nil
}

// GetBehaviors returns all behaviors reported on the peer identified by peerID.
func (mpbr *MockReporter) GetBehaviors(peerID p2p.ID) []PeerBehavior {
	mpbr.mtx.RLock()
	defer mpbr.mtx.RUnlock()
	if items, ok := mpbr.pb[peerID]; ok {
		result := make([]PeerBehavior, len(items))
		copy(result, items)
		return result
	}
	return []PeerBehavior{}
}

// All returns every reported behavior in report order.
func (mpbr *MockReporter) All() []PeerBehavior {
	mpbr.mtx.RLock()
	defer mpbr.mtx.RUnlock()
	result := make([]PeerBehavior, len(mpbr.list))
	copy(result, mpbr.list)
	return result
}

// Count returns how many behaviors with the given reason were reported.
func (mpbr *MockReporter) Count(reason Reason) int {
	mpbr.mtx.RLock()
	defer mpbr.mtx.RUnlock()
	n := 0
	for _, pb := range mpbr.list {
		if pb.Reason == reason {
			n++
		}
	}
	return n
}
