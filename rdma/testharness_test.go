package rdma

import (
	"testing"
	"time"
)

// newTestEndpoint opens a one-rail software-backed device and acquires its
// endpoint, for tests that only need one side of a connection up front.
func newTestEndpoint(t *testing.T, opts ...Option) *Endpoint {
	t.Helper()
	cfg, err := New(opts...)
	if err != nil {
		t.Fatalf("New config: %v", err)
	}
	lister := NewSoftwareDeviceLister([]DeviceInfo{{Name: "dev0", NumRails: 1}})
	dev, err := NewDevice(0, "udpverbs", lister, NoGDRProbe{}, cfg, nil, logger{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	ep, err := dev.AcquireEndpoint()
	if err != nil {
		t.Fatalf("AcquireEndpoint: %v", err)
	}
	t.Cleanup(func() { dev.ReleaseEndpoint() })
	return ep
}

// connectedPair drives a full Listen/Connect/Accept handshake between two
// freshly acquired endpoints and returns the resulting send/receive
// communicators, pumping both sides non-blocking exactly the way a real
// caller would: Connect and Accept each get called repeatedly, passing
// back whatever they last returned, until the send side reports connected
// and the receive side has been handed back.
func connectedPair(t *testing.T, opts ...Option) (*SendComm, *ReceiveComm, *Endpoint, *Endpoint) {
	t.Helper()
	sendEp := newTestEndpoint(t, opts...)
	recvEp := newTestEndpoint(t, opts...)

	handle, lc, err := Listen(recvEp)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var sc *SendComm
	var rc *ReceiveComm
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := Connect(sendEp, sc, *handle)
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if got != nil {
			sc = got
		}
		if rc == nil {
			got, err := Accept(lc)
			if err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if got != nil {
				rc = got
			}
		}
		if sc != nil && sc.connected && rc != nil {
			return sc, rc, sendEp, recvEp
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out completing handshake")
	return nil, nil, nil, nil
}

// waitTest polls [Test] until the request reaches a terminal state.
func waitTest(t *testing.T, req *Request) (int, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		done, size, err := Test(req)
		if done {
			return size, nil
		}
		if err != nil {
			return 0, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for request completion")
	return 0, nil
}
