package rdma

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics
	m.setInflight("send", 3)
	m.incEagain()
	m.setBouncePosted(0, 4)
	m.incCompletion("send")
	m.addBytes(128)
}

func TestMetricsRecordEagainAndCompletions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	lister := NewSoftwareDeviceLister([]DeviceInfo{{Name: "dev0", NumRails: 1}})
	cfg, err := New()
	if err != nil {
		t.Fatalf("New config: %v", err)
	}
	dev, err := NewDevice(0, "udpverbs", lister, NoGDRProbe{}, cfg, m, logger{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	sendEp, err := dev.AcquireEndpoint()
	if err != nil {
		t.Fatalf("AcquireEndpoint: %v", err)
	}
	defer dev.ReleaseEndpoint()

	recvDev, err := NewDevice(1, "udpverbs", lister, NoGDRProbe{}, cfg, nil, logger{})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	recvEp, err := recvDev.AcquireEndpoint()
	if err != nil {
		t.Fatalf("AcquireEndpoint: %v", err)
	}
	defer recvDev.ReleaseEndpoint()

	handle, lc, err := Listen(recvEp)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var sc *SendComm
	var rc *ReceiveComm
	for tries := 0; tries < 5000 && (sc == nil || !sc.connected || rc == nil); tries++ {
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
	}
	if sc == nil || !sc.connected || rc == nil {
		t.Fatal("handshake did not complete")
	}

	recvReq, err := rc.Recv(make([]byte, 4), 4)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	sendReq, err := sc.Send([]byte("abcd"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if done, _, err := Test(sendReq); err != nil {
		t.Fatalf("Test send: %v", err)
	} else if !done {
		for i := 0; i < 2000 && !done; i++ {
			done, _, err = Test(sendReq)
			if err != nil {
				t.Fatalf("Test send: %v", err)
			}
		}
	}
	for i := 0; i < 2000; i++ {
		if done, _, err := Test(recvReq); err != nil {
			t.Fatalf("Test recv: %v", err)
		} else if done {
			break
		}
	}

	if got := testutil.ToFloat64(m.completions.WithLabelValues("send")); got < 1 {
		t.Fatalf("rdma_completions_total{flag=send} = %v, want >= 1", got)
	}
	if got := testutil.ToFloat64(m.bytesTransferred); got < 4 {
		t.Fatalf("rdma_bytes_transferred_total = %v, want >= 4", got)
	}
	if got := testutil.ToFloat64(m.requestsInflight.WithLabelValues("send")); got != 0 {
		t.Fatalf("rdma_requests_inflight{comm_kind=send} = %v, want 0 after Test drained it", got)
	}
}
