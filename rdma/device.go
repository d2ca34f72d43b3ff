package rdma

import (
	"fmt"
	"sync"

	"github.com/railfabric/rdmatransport/fabric"
	"github.com/railfabric/rdmatransport/internal"
	"github.com/railfabric/rdmatransport/sched"
)

// mrKeyPoolCapacity bounds the mr-key id pool. MR_KEY_SIZE (bytes) names the
// wire width of a key in the original interface; this software backend has
// no wire-format reason to exhaust a narrower range, so it allocates from a
// single pool sized generously regardless of MRKeySize, which only affects
// validation of the configured value.
const mrKeyPoolCapacity = 1 << 16

// commIDPoolCapacity bounds the 18-bit local-communicator-id pool. The wire
// format reserves 18 bits (262144 ids); this implementation caps the pool
// well below that so the id-pool's backing slice stays small, which is safe
// because immediate-data packing only requires the allocated ids to fit in
// 18 bits, not that the full range be usable.
const commIDPoolCapacity = 1 << 14

// Device is a logical NIC-group: an ordered list of rails (one fabric
// domain each), a scheduler, an mr-key id pool, and a lazily-created
// per-thread Endpoint.
type Device struct {
	id int

	cfg     Config
	metrics *Metrics
	logger  logger

	rails     []deviceRail
	scheduler *sched.Scheduler
	mrKeys    internal.IDPool

	lister   DeviceLister
	gdr      GPUDirectProbe
	gdrMu    sync.Mutex
	gdrState Support // Unknown until the first endpoint is realized.

	epMu       sync.Mutex
	endpoint   *Endpoint
	epRefCount int
}

// NewDevice opens one domain per device listed by lister and assembles a
// Device ready to hand out thread-local Endpoints. providerName selects the
// fabric provider every rail opens against (the software backend registers
// exactly "udpverbs").
func NewDevice(id int, providerName string, lister DeviceLister, gdr GPUDirectProbe, cfg Config, m *Metrics, log logger) (*Device, error) {
	infos, err := lister.ListRDMADevices()
	if err != nil {
		return nil, newErr("NewDevice", KindSystem, err)
	}
	if len(infos) == 0 {
		return nil, newErr("NewDevice", KindInvalidArgument, fmt.Errorf("device lister returned no devices"))
	}

	d := &Device{
		id:        id,
		cfg:       cfg,
		metrics:   m,
		logger:    log,
		scheduler: sched.NewScheduler(cfg.RoundRobinThreshold),
		mrKeys:    internal.NewIDPool(mrKeyPoolCapacity),
		lister:    lister,
		gdr:       gdr,
	}

	for _, info := range infos {
		fab, err := fabric.OpenFabric(providerName)
		if err != nil {
			return nil, newErr("NewDevice", KindSystem, err)
		}
		dom, err := fab.OpenDomain()
		if err != nil {
			return nil, newErr("NewDevice", KindSystem, err)
		}
		for r := 0; r < info.NumRails; r++ {
			d.rails = append(d.rails, deviceRail{name: info.Name, fab: fab, dom: dom})
		}
	}
	if cfg.NICDupConns != 0 {
		d.logger.debug("NIC_DUP_CONNS configured nonzero; incompatible with GPU-direct once probed", "value", cfg.NICDupConns)
	}
	return d, nil
}

// NumRails reports how many rails this device opened.
func (d *Device) NumRails() int { return len(d.rails) }

// resolveGDR probes GPU-direct support exactly once, on first call, and
// latches the result per the "support_gdr never changes after the first
// endpoint is realized" invariant.
func (d *Device) resolveGDR() (Support, error) {
	d.gdrMu.Lock()
	defer d.gdrMu.Unlock()
	if d.gdrState != Unknown {
		return d.gdrState, nil
	}
	s, err := d.gdr.Probe()
	if err != nil {
		return Unknown, newErr("resolveGDR", KindSystem, err)
	}
	d.gdrState = s
	if s == Supported && d.cfg.NICDupConns != 0 {
		d.logger.debug("GPU-direct supported but NIC_DUP_CONNS is nonzero; this combination is documented as incompatible")
	}
	return s, nil
}

// AcquireEndpoint returns the device's thread-local Endpoint, constructing
// it on first acquisition. Per the Design Notes, this module expresses
// "thread-local" as an explicit scoped handle rather than true TLS: callers
// that want single-thread-per-endpoint semantics must not share one
// Endpoint across goroutines, mirroring the source's one-endpoint-per-OS-
// thread invariant without depending on goroutine identity (which Go does
// not expose).
func (d *Device) AcquireEndpoint() (*Endpoint, error) {
	d.epMu.Lock()
	defer d.epMu.Unlock()
	if d.endpoint == nil {
		ep, err := newEndpoint(d)
		if err != nil {
			return nil, err
		}
		d.endpoint = ep
		if _, err := d.resolveGDR(); err != nil {
			return nil, err
		}
	}
	d.epRefCount++
	return d.endpoint, nil
}

// ReleaseEndpoint drops one reference to the device's endpoint, tearing it
// down once the count reaches zero.
func (d *Device) ReleaseEndpoint() {
	d.epMu.Lock()
	defer d.epMu.Unlock()
	if d.endpoint == nil {
		return
	}
	d.epRefCount--
	if d.epRefCount <= 0 {
		d.endpoint.close()
		d.endpoint = nil
		d.epRefCount = 0
	}
}

// RefCount reports the current endpoint reference count, for the refcount
// testable property.
func (d *Device) RefCount() int {
	d.epMu.Lock()
	defer d.epMu.Unlock()
	return d.epRefCount
}
