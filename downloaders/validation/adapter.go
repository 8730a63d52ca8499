package validation

import (
	"fmt"

	"github.com/celestiaorg/chainsync/downloaders"
	"github.com/celestiaorg/chainsync/types"
)

// Adapter applies structural checks to whole responses and delegates
// linkage and content checks to a Validator. Errors wrap either
// downloaders.ErrMalformedResponse or downloaders.ErrValidationFailure.
type Adapter struct {
	v Validator
}

// NewAdapter returns an Adapter around v.
func NewAdapter(v Validator) *Adapter {
	return &Adapter{v: v}
}

// HeaderRange checks a response to req and returns the sealed headers in the
// order received. The response must be non-empty, no longer than requested,
// carry the requested numbers in the requested direction and be internally
// linked.
func (a *Adapter) HeaderRange(req types.HeaderRequest, headers []*types.Header) ([]*types.SealedHeader, error) {
	if len(headers) == 0 {
		return nil, fmt.Errorf("%w: empty header response to %v", downloaders.ErrMalformedResponse, req)
	}
	if uint64(len(headers)) > req.Limit {
		return nil, fmt.Errorf("%w: %d headers for %v", downloaders.ErrMalformedResponse, len(headers), req)
	}

	sealed := make([]*types.SealedHeader, len(headers))
	for i, h := range headers {
		if h == nil {
			return nil, fmt.Errorf("%w: nil header at %d", downloaders.ErrMalformedResponse, i)
		}
		sealed[i] = types.NewSealedHeader(h)
	}

	expect := req
	if req.Start.IsHash() {
		if sealed[0].Hash() != req.Start.Hash {
			return nil, fmt.Errorf("%w: first header %v does not match requested hash %x",
				downloaders.ErrMalformedResponse, sealed[0], req.Start.Hash.Bytes()[:4])
		}
		expect = types.HeaderRangeRequest(sealed[0].Number(), req.Limit, req.Direction)
	}
	for i, h := range sealed {
		if want := expect.ExpectedNumber(i); h.Number() != want {
			return nil, fmt.Errorf("%w: header %d of %v has number %d, want %d",
				downloaders.ErrMalformedResponse, i, req, h.Number(), want)
		}
	}

	for i := 1; i < len(sealed); i++ {
		parent, child := sealed[i-1], sealed[i]
		if req.Direction == types.Reverse {
			parent, child = child, parent
		}
		if err := a.Link(parent, child); err != nil {
			return nil, err
		}
	}
	return sealed, nil
}

// Link checks that child directly extends parent.
func (a *Adapter) Link(parent, child *types.SealedHeader) error {
	if err := a.v.ValidateHeaderLink(parent, child); err != nil {
		return fmt.Errorf("%w: %w", downloaders.ErrValidationFailure, err)
	}
	return nil
}

// Bodies checks a response to a request for the bodies of headers. A prefix
// of the requested bodies is acceptable; an empty or over-long response is
// not.
func (a *Adapter) Bodies(headers []*types.SealedHeader, bodies []*types.Body) error {
	if len(bodies) == 0 {
		return fmt.Errorf("%w: empty body response", downloaders.ErrMalformedResponse)
	}
	if len(bodies) > len(headers) {
		return fmt.Errorf("%w: %d bodies for %d headers", downloaders.ErrMalformedResponse, len(bodies), len(headers))
	}
	for i, body := range bodies {
		if body == nil {
			return fmt.Errorf("%w: nil body at %d", downloaders.ErrMalformedResponse, i)
		}
		if err := a.v.ValidateBody(headers[i], body); err != nil {
			return fmt.Errorf("%w: %w", downloaders.ErrValidationFailure, err)
		}
	}
	return nil
}
