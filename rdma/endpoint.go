package rdma

import (
	"errors"
	"sync"

	"github.com/railfabric/rdmatransport/bounce"
	"github.com/railfabric/rdmatransport/fabric"
	"github.com/railfabric/rdmatransport/internal"
)

var errNoRails = errors.New("rdma: device has no rails")

// bounceSlotSize is the largest control or connect message (ctrlMsg is the
// larger of the two for MaxRails == 16). newEndpoint widens the pool's slots
// further when the configured EagerMaxSize exceeds it, so an eager payload
// also fits in one slot.
const bounceSlotSize = ctrlMsgSize

// commEntry is one slot in the endpoint's communicator lookup table, keyed
// by local communicator id.
type commEntry struct {
	listen *ListenComm
	send   *SendComm
	recv   *ReceiveComm
}

// Endpoint is the RDMA core's per-thread aggregation of N rails belonging
// to one Device: a communicator lookup table indexed by local communicator
// id, the id pool issuing those ids, the bounce-buffer pool shared across
// rails, and the pending-request deque serviced by the progress engine.
//
// Callers must confine one Endpoint to a single goroutine at a time; see
// [Device.AcquireEndpoint].
type Endpoint struct {
	device *Device
	logger logger

	rails []*Rail

	mu      sync.Mutex
	comms   map[uint32]*commEntry
	commIDs internal.IDPool

	bouncePool *bounce.Pool

	pending internal.Deque[Request]
}

func newEndpoint(d *Device) (*Endpoint, error) {
	if len(d.rails) == 0 {
		return nil, newErr("newEndpoint", KindInvalidArgument, errNoRails)
	}
	ep := &Endpoint{
		device:  d,
		logger:  d.logger,
		comms:   make(map[uint32]*commEntry),
		commIDs: internal.NewIDPool(commIDPoolCapacity),
		pending: internal.NewDeque[Request](func(r *Request) *internal.DequeLink[Request] { return r.Link() }),
	}

	var doms []*fabric.Domain
	var fabEps []*fabric.Endpoint
	for i, dr := range d.rails {
		fabEp, err := dr.dom.OpenEndpoint(fabric.EndpointConfig{})
		if err != nil {
			return nil, newErr("newEndpoint", KindSystem, err)
		}
		ep.rails = append(ep.rails, newRail(i, dr.dom, fabEp))
		doms = append(doms, dr.dom)
		fabEps = append(fabEps, fabEp)
	}

	slotSize := bounceSlotSize
	if int(d.cfg.EagerMaxSize) > slotSize {
		slotSize = int(d.cfg.EagerMaxSize)
	}
	pool, err := bounce.New(doms, fabEps, slotSize, d.cfg.MinPostedBounce, d.cfg.MaxPostedBounce)
	if err != nil {
		return nil, newErr("newEndpoint", KindSystem, err)
	}
	ep.bouncePool = pool
	for i := range ep.rails {
		if _, err := pool.Replenish(i); err != nil {
			return nil, newErr("newEndpoint", KindSystem, err)
		}
		d.metrics.setBouncePosted(i, pool.Posted(i))
	}
	return ep, nil
}

// close tears down every rail's fabric endpoint. Called once the device
// refcount for this endpoint reaches zero.
func (ep *Endpoint) close() {
	for _, r := range ep.rails {
		r.ep.Close()
	}
}

// allocCommID checks out a fresh 18-bit local communicator id.
func (ep *Endpoint) allocCommID() (uint32, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	id, err := ep.commIDs.Alloc()
	if err != nil {
		return 0, newErr("allocCommID", KindResourceExhaustion, err)
	}
	return id, nil
}

func (ep *Endpoint) freeCommID(id uint32) {
	ep.mu.Lock()
	ep.commIDs.Free(id)
	delete(ep.comms, id)
	ep.mu.Unlock()
}

func (ep *Endpoint) registerSend(id uint32, c *SendComm) {
	ep.mu.Lock()
	ep.comms[id] = &commEntry{send: c}
	ep.mu.Unlock()
}

func (ep *Endpoint) registerRecv(id uint32, c *ReceiveComm) {
	ep.mu.Lock()
	ep.comms[id] = &commEntry{recv: c}
	ep.mu.Unlock()
}

func (ep *Endpoint) registerListen(id uint32, c *ListenComm) {
	ep.mu.Lock()
	ep.comms[id] = &commEntry{listen: c}
	ep.mu.Unlock()
}

func (ep *Endpoint) lookupSend(id uint32) *SendComm {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	e := ep.comms[id]
	if e == nil {
		return nil
	}
	return e.send
}

func (ep *Endpoint) lookupRecv(id uint32) *ReceiveComm {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	e := ep.comms[id]
	if e == nil {
		return nil
	}
	return e.recv
}

func (ep *Endpoint) lookupListen(id uint32) *ListenComm {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	e := ep.comms[id]
	if e == nil {
		return nil
	}
	return e.listen
}
