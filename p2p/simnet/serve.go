package simnet

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/celestiaorg/chainsync/p2p"
	"github.com/celestiaorg/chainsync/types"
)

// GetHeaders implements p2p.HeadersClient.
func (n *Network) GetHeaders(ctx context.Context, peer p2p.ID, req types.HeaderRequest) ([]*types.Header, error) {
	n.headerRequests.Add(1)

	p, fault, err := n.nextFault(peer, false)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, p, fault); err != nil {
		return nil, err
	}

	headers := n.headerRange(p, req)
	switch fault {
	case Empty:
		return nil, nil
	case Malformed:
		if len(headers) > 0 {
			headers = headers[1:]
		}
		if len(headers) == 0 {
			headers = []*types.Header{{Number: req.Start.Number + 1000}}
		}
	case Invalid:
		headers = corruptHeaders(headers)
	}
	return headers, nil
}

func (n *Network) headerRange(p *simPeer, req types.HeaderRequest) []*types.Header {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	start := req.Start.Number
	if req.Start.IsHash() {
		h, ok := n.byHash[req.Start.Hash]
		if !ok || h.Number() > p.head {
			return nil
		}
		start = h.Number()
	}

	headers := make([]*types.Header, 0, req.Limit)
	for i := uint64(0); i < req.Limit; i++ {
		var number types.BlockNumber
		if req.Direction == types.Reverse {
			if i > start {
				break
			}
			number = start - i
		} else {
			number = start + i
		}
		if number > p.head {
			break
		}
		h, ok := n.byNumber[number]
		if !ok {
			break
		}
		headers = append(headers, copyHeader(h.Header))
	}
	return headers
}

// corruptHeaders breaks the hash of the first header, so that the linkage
// to its neighbour or to an already validated descendant fails.
func corruptHeaders(headers []*types.Header) []*types.Header {
	if len(headers) == 0 {
		return headers
	}
	headers[0].Extra = append(headers[0].Extra, 0xff)
	if len(headers) > 1 {
		headers[1].ParentHash = common.Hash{0xde, 0xad}
	}
	return headers
}

// GetBodies implements p2p.BodiesClient.
func (n *Network) GetBodies(ctx context.Context, peer p2p.ID, hashes []common.Hash) ([]*types.Body, error) {
	n.bodyRequests.Add(1)

	p, fault, err := n.nextFault(peer, true)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, p, fault); err != nil {
		return nil, err
	}

	bodies := n.bodyRange(p, hashes)
	switch fault {
	case Empty:
		return nil, nil
	case Malformed:
		bodies = append(bodies, &types.Body{})
	case Partial:
		if len(bodies) > 1 {
			bodies = bodies[:1]
		}
	case Invalid:
		if len(bodies) > 0 {
			bad := copyBody(bodies[0])
			bad.Transactions = append(bad.Transactions, types.Tx("forged"))
			bodies[0] = bad
		}
	}
	return bodies, nil
}

func (n *Network) bodyRange(p *simPeer, hashes []common.Hash) []*types.Body {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	bodies := make([]*types.Body, 0, len(hashes))
	for _, hash := range hashes {
		h, ok := n.byHash[hash]
		if !ok || h.Number() > p.head {
			break
		}
		body, ok := n.bodies[hash]
		if !ok {
			body = &types.Body{}
		}
		bodies = append(bodies, copyBody(body))
	}
	return bodies
}

func copyHeader(h *types.Header) *types.Header {
	cpy := *h
	cpy.Extra = append([]byte(nil), h.Extra...)
	return &cpy
}

func copyBody(b *types.Body) *types.Body {
	return &types.Body{
		Transactions: append(types.Txs(nil), b.Transactions...),
		Uncles:       append([]*types.Header(nil), b.Uncles...),
	}
}
