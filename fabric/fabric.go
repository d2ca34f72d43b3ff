// Package fabric wraps a reliable-datagram fabric the way the RDMA core
// expects: endpoints, address vectors, memory registration, completion
// queues, and the verbs send/send_with_immediate/recv/write_with_immediate/
// read. It is the sole surface the core's Rail/Device/Endpoint types use to
// reach the network; everything below this package is plumbing.
//
// The concrete backend here is a software reference implementation: it
// multiplexes the verbs over a non-blocking UDP socket opened directly via
// golang.org/x/sys/unix (bypassing net.UDPConn's blocking netpoller so that
// EAGAIN/EWOULDBLOCK surfaces to the caller as a first-class return value,
// exactly as a user-space RDM verbs library would report fabric
// backpressure). A hardware-backed adapter implementing the same verbs
// surface (this package's exported types and methods) can be substituted
// without touching any other package.
package fabric

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ProviderInfo describes one discovered fabric provider, analogous to the
// structures returned by the underlying library's provider-discovery call.
type ProviderInfo struct {
	Name    string
	Version string
	// MaxMsgSize is the largest single send/write the provider admits.
	MaxMsgSize uint64
}

// Hints filters provider discovery, mirroring the hints struct passed to the
// underlying fabric library's discovery call.
type Hints struct {
	ProviderName string // empty matches any provider.
}

const softwareProviderName = "udpverbs"

// GetProviders enumerates providers matching hints. The software backend
// always reports exactly one pseudo-provider.
func GetProviders(hints Hints) []ProviderInfo {
	if hints.ProviderName != "" && hints.ProviderName != softwareProviderName {
		return nil
	}
	// Every send/write travels as one UDP datagram (65507 payload bytes at
	// most) carrying a headerSize-byte header.
	return []ProviderInfo{{Name: softwareProviderName, Version: "1", MaxMsgSize: 65507 - headerSize}}
}

// Fabric is an opened handle to a provider, analogous to fi_fabric.
type Fabric struct {
	provider ProviderInfo
}

// OpenFabric opens the named provider.
func OpenFabric(providerName string) (*Fabric, error) {
	for _, p := range GetProviders(Hints{}) {
		if p.Name == providerName {
			return &Fabric{provider: p}, nil
		}
	}
	return nil, fmt.Errorf("fabric: unknown provider %q", providerName)
}

// Domain is a protection/resource domain within a Fabric, analogous to
// fi_domain: it scopes memory registration and endpoint creation.
type Domain struct {
	fab *Fabric

	mu      sync.Mutex
	regions map[MRKey]memRegion
}

// OpenDomain opens a domain on the fabric.
func (f *Fabric) OpenDomain() (*Domain, error) {
	return &Domain{fab: f}, nil
}

// EndpointConfig configures a newly opened Endpoint.
type EndpointConfig struct {
	// BindAddr is a "host:port" UDP address to bind to. Port 0 picks an
	// ephemeral port, discoverable afterward via [Endpoint.Name].
	BindAddr string
}

// ErrAgain is returned by the posting verbs when the fabric cannot currently
// accept more work (send queue full, provider-level backpressure). It wraps
// the same condition as EWOULDBLOCK/EAGAIN and must never escape to the
// collective library's caller unhandled: the core's progress engine queues
// the request for retry.
var ErrAgain = errors.New("fabric: resource temporarily unavailable (EAGAIN)")

func isAgain(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
