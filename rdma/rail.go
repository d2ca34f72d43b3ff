package rdma

import (
	"github.com/railfabric/rdmatransport/fabric"
)

// deviceRail is one of a Device's configured NIC rails: a domain opened once
// at device construction, shared by every thread's per-rail fabric endpoint.
type deviceRail struct {
	name string
	fab  *fabric.Fabric
	dom  *fabric.Domain
}

// Rail is one thread-local channel bound to a deviceRail: a fabric endpoint,
// its address vector (maintained inside the fabric endpoint itself), and the
// bounce-buffer posted-count bookkeeping delegated to the bounce pool shared
// by the owning Endpoint.
type Rail struct {
	index int
	dom   *fabric.Domain
	ep    *fabric.Endpoint

	// remoteAddr is the AV handle for this rail's peer, resolved during the
	// connection handshake once the peer's endpoint name is known.
	remoteAddr fabric.Address
	hasRemote  bool
}

func newRail(index int, dom *fabric.Domain, ep *fabric.Endpoint) *Rail {
	return &Rail{index: index, dom: dom, ep: ep}
}

// insertRemote resolves a peer's serialized endpoint name into this rail's
// address vector.
func (r *Rail) insertRemote(name []byte) error {
	addr, err := r.ep.AVInsert(name)
	if err != nil {
		return err
	}
	r.remoteAddr = addr
	r.hasRemote = true
	return nil
}

// name returns this rail's own serialized endpoint name, exchanged during
// CONN/CONN_RESP.
func (r *Rail) name() ([]byte, error) { return r.ep.Name() }
