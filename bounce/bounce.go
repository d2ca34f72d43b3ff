// Package bounce implements the bounce-buffer pool: a per-endpoint,
// shared-across-rails set of pre-registered receive slots sized to hold the
// largest control or eager message, posted ANY_SRC on every rail and kept
// within a configured [min, max] band.
package bounce

import (
	"errors"
	"sync"

	"github.com/railfabric/rdmatransport/fabric"
	"github.com/railfabric/rdmatransport/internal"
)

// Payload is one pre-registered receive slot.
type Payload struct {
	Buf []byte
}

// Request wraps one posted bounce receive: the payload it lands in, its
// originating rail, and whatever the caller stashed as fabric context.
type Request struct {
	Rail    int
	Payload *Payload
	RecvLen int
}

// Rail tracks one NIC's share of the pool: its posted count and the bounded
// replenishment band, guarded by mu per the per-rail lock the data model
// calls for.
type Rail struct {
	mu        sync.Mutex
	min, max  int
	posted    int
	ep        *fabric.Endpoint
	freePay   *internal.FreeList[Payload]
	freeReq   *internal.FreeList[Request]
}

// Pool is the endpoint-wide bounce-buffer pool: one Rail entry per device
// rail, backed by a single bulk memory registration per rail.
type Pool struct {
	slotSize int
	rails    []*Rail
}

// New creates a pool sized for capacity payload slots of slotSize bytes,
// split evenly across the given rails' endpoints and bulk-registered on
// each via the fabric domain. minGlobal/maxGlobal are divided across rails
// per §4.3: min = ceil(min_global / N), likewise for max.
func New(doms []*fabric.Domain, eps []*fabric.Endpoint, slotSize, minGlobal, maxGlobal int) (*Pool, error) {
	if len(doms) != len(eps) {
		return nil, errors.New("bounce: rail count mismatch between domains and endpoints")
	}
	n := len(eps)
	if n == 0 {
		return nil, errors.New("bounce: at least one rail required")
	}
	perMin := ceilDiv(minGlobal, n)
	perMax := ceilDiv(maxGlobal, n)
	if perMax < perMin {
		perMax = perMin
	}

	p := &Pool{slotSize: slotSize, rails: make([]*Rail, n)}
	for i := range eps {
		freePay := internal.NewFreeList[Payload](perMax)
		store := freePay.BackingStore()
		flat := make([]byte, slotSize*len(store))
		for idx := range store {
			store[idx].Buf = flat[idx*slotSize : (idx+1)*slotSize : (idx+1)*slotSize]
		}
		if _, err := doms[i].RegisterMR(fabric.MRKey(0), flat, fabric.MemoryHost); err != nil {
			return nil, err
		}
		p.rails[i] = &Rail{
			min:     perMin,
			max:     perMax,
			ep:      eps[i],
			freePay: freePay,
			freeReq: internal.NewFreeList[Request](perMax),
		}
	}
	return p, nil
}

func bulkBacking(store []Payload) []byte {
	if len(store) == 0 {
		return nil
	}
	total := 0
	for i := range store {
		total += len(store[i].Buf)
	}
	flat := make([]byte, 0, total)
	for i := range store {
		flat = append(flat, store[i].Buf...)
	}
	return flat
}

func ceilDiv(a, n int) int {
	if n == 0 {
		return 0
	}
	return (a + n - 1) / n
}

// Replenish posts new ANY_SRC receives on rail idx until its posted count
// reaches max, returning the freshly posted requests so the caller can track
// them (e.g. add to a by-context lookup for the progress engine). Stops
// early, without error, on fabric.ErrAgain — a later Replenish call resumes.
func (p *Pool) Replenish(idx int) ([]*Request, error) {
	r := p.rails[idx]
	r.mu.Lock()
	defer r.mu.Unlock()

	var posted []*Request
	for r.posted < r.max {
		payIdx, pl, err := r.freePay.Get()
		if err != nil {
			break
		}
		reqIdx, req, err := r.freeReq.Get()
		if err != nil {
			r.freePay.Put(payIdx)
			break
		}
		req.Rail = idx
		req.Payload = pl
		req.RecvLen = 0
		if err := r.ep.Recv(pl.Buf, recvCtx{req: req, reqIdx: reqIdx, payIdx: payIdx}); err != nil {
			r.freeReq.Put(reqIdx)
			r.freePay.Put(payIdx)
			if errors.Is(err, fabric.ErrAgain) {
				break
			}
			return posted, err
		}
		r.posted++
		posted = append(posted, req)
	}
	return posted, nil
}

// recvCtx is the context value handed to the fabric Recv verb so the
// progress engine can map a completion back to its pool bookkeeping.
type recvCtx struct {
	req    *Request
	reqIdx uint32
	payIdx uint32
}

// ReqIndices extracts the pool-internal bookkeeping from a fabric.CQEntry's
// Context, for use by Repost/Release.
func ReqIndices(ctx any) (reqIdx, payIdx uint32, ok bool) {
	rc, ok := ctx.(recvCtx)
	if !ok {
		return 0, 0, false
	}
	return rc.reqIdx, rc.payIdx, true
}

// NeedsReplenish reports whether rail idx has dropped below its minimum
// posted count after a Decrement.
func (p *Pool) NeedsReplenish(idx int) bool {
	r := p.rails[idx]
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posted < r.min
}

// Decrement drops the posted counter for a consumed bounce receive; per
// §4.3 this always triggers a refill check, left to the caller (the
// progress engine follows it with Repost for the same slot; a caller that
// Releases the slot instead refills through NeedsReplenish/Replenish).
func (p *Pool) Decrement(idx int) {
	r := p.rails[idx]
	r.mu.Lock()
	r.posted--
	r.mu.Unlock()
}

// Repost returns a consumed payload and its request slot directly to
// service, without releasing them to the free lists: used when the handler
// reposts the same bounce request (the common case for control/connect
// messages). The caller calls Decrement beforehand; a successful Repost
// restores the posted count itself, so no Replenish is needed afterward.
func (p *Pool) Repost(idx int, reqIdx, payIdx uint32) error {
	r := p.rails[idx]
	r.mu.Lock()
	req := r.freeReq.At(reqIdx)
	pl := r.freePay.At(payIdx)
	r.mu.Unlock()
	err := r.ep.Recv(pl.Buf, recvCtx{req: req, reqIdx: reqIdx, payIdx: payIdx})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.posted++
	r.mu.Unlock()
	return nil
}

// Release returns a consumed payload and request slot to their free lists
// without reposting: used when the payload's content was handed off
// elsewhere (e.g. an eager copy) and the pool should refill a fresh slot on
// the next Replenish instead.
func (p *Pool) Release(idx int, reqIdx, payIdx uint32) {
	r := p.rails[idx]
	r.mu.Lock()
	r.freeReq.Put(reqIdx)
	r.freePay.Put(payIdx)
	r.mu.Unlock()
}

// RequestAt resolves a (reqIdx, payIdx) pair — as extracted from a
// completion's Context via [ReqIndices] — back to the live bounce Request,
// so the progress engine can read the payload bytes a completion just
// filled.
func (p *Pool) RequestAt(railIdx int, reqIdx uint32) *Request {
	r := p.rails[railIdx]
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeReq.At(reqIdx)
}

// Posted reports the current posted count on rail idx, for tests and
// metrics.
func (p *Pool) Posted(idx int) int {
	r := p.rails[idx]
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posted
}
