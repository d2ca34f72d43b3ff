package rdma

import (
	"bytes"
	"testing"
)

func TestEagerZeroByteMessage(t *testing.T) {
	sc, rc, _, _ := connectedPair(t)
	defer sc.CloseSend()
	defer rc.CloseRecv()

	recvReq, err := rc.Recv(nil, 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	sendReq, err := sc.Send(nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if size, err := waitTest(t, sendReq); err != nil || size != 0 {
		t.Fatalf("send Test: size=%d err=%v", size, err)
	}
	if size, err := waitTest(t, recvReq); err != nil || size != 0 {
		t.Fatalf("recv Test: size=%d err=%v", size, err)
	}
}

func TestEagerMessageRecvPostedFirst(t *testing.T) {
	sc, rc, _, _ := connectedPair(t)
	defer sc.CloseSend()
	defer rc.CloseRecv()

	payload := []byte("short eager payload")
	buf := make([]byte, len(payload))

	recvReq, err := rc.Recv(buf, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	sendReq, err := sc.Send(payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := waitTest(t, sendReq); err != nil {
		t.Fatalf("send Test: %v", err)
	}
	size, err := waitTest(t, recvReq)
	if err != nil {
		t.Fatalf("recv Test: %v", err)
	}
	if size != len(payload) || !bytes.Equal(buf, payload) {
		t.Fatalf("got %q (size %d), want %q", buf, size, payload)
	}
}

func TestEagerMessageSendPostedFirst(t *testing.T) {
	sc, rc, _, _ := connectedPair(t)
	defer sc.CloseSend()
	defer rc.CloseRecv()

	payload := []byte("raced eager payload")
	buf := make([]byte, len(payload))

	sendReq, err := sc.Send(payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	// The datagram is already on the wire; give the loopback stack a moment
	// to enqueue it on rc's socket so the eventual Recv call below finds it
	// already buffered, exercising handleEagerArrival's buffering branch
	// (ElemBuffer already present) rather than the direct-completion one.
	for i := 0; i < 50; i++ {
		if err := sc.ep.progress(); err != nil {
			t.Fatalf("progress: %v", err)
		}
	}

	recvReq, err := rc.Recv(buf, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if _, err := waitTest(t, sendReq); err != nil {
		t.Fatalf("send Test: %v", err)
	}
	size, err := waitTest(t, recvReq)
	if err != nil {
		t.Fatalf("recv Test: %v", err)
	}
	if size != len(payload) || !bytes.Equal(buf, payload) {
		t.Fatalf("got %q (size %d), want %q", buf, size, payload)
	}
}

func TestRendezvousRecvPostedFirst(t *testing.T) {
	sc, rc, _, _ := connectedPair(t, WithEagerMaxSize(64), WithRoundRobinThreshold(64))
	defer sc.CloseSend()
	defer rc.CloseRecv()

	payload := bytes.Repeat([]byte{0xA5}, 1<<20)
	buf := make([]byte, len(payload))

	// Recv posted (and its CTRL sent) well before the matching Send call.
	recvReq, err := rc.Recv(buf, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := sc.ep.progress(); err != nil {
			t.Fatalf("progress: %v", err)
		}
	}

	sendReq, err := sc.Send(payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := waitTest(t, sendReq); err != nil {
		t.Fatalf("send Test: %v", err)
	}
	size, err := waitTest(t, recvReq)
	if err != nil {
		t.Fatalf("recv Test: %v", err)
	}
	if size != len(payload) || !bytes.Equal(buf, payload) {
		t.Fatal("rendezvous payload corrupted or truncated")
	}
}

func TestRendezvousSendPostedBeforeCtrlArrives(t *testing.T) {
	sc, rc, _, _ := connectedPair(t, WithEagerMaxSize(64), WithRoundRobinThreshold(64))
	defer sc.CloseSend()
	defer rc.CloseRecv()

	payload := bytes.Repeat([]byte{0x5A}, 1<<16)
	buf := make([]byte, len(payload))

	// Send is posted and waits in sc.msgs for a CTRL that has not arrived
	// yet (Recv has not even been called), exercising handleCtrlArrival's
	// buffering-then-completion branch in send.go.
	sendReq, err := sc.Send(payload)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	recvReq, err := rc.Recv(buf, uint64(len(payload)))
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if _, err := waitTest(t, sendReq); err != nil {
		t.Fatalf("send Test: %v", err)
	}
	size, err := waitTest(t, recvReq)
	if err != nil {
		t.Fatalf("recv Test: %v", err)
	}
	if size != len(payload) || !bytes.Equal(buf, payload) {
		t.Fatal("rendezvous payload corrupted or truncated")
	}
}

func TestSendRejectsBeyondInflightLimit(t *testing.T) {
	sc, rc, _, _ := connectedPair(t)
	defer rc.CloseRecv()
	sc.maxInflight = 1

	if _, err := rc.Recv(make([]byte, 1), 1); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, err := sc.Send([]byte("a")); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if _, err := sc.Send([]byte("b")); err == nil {
		t.Fatal("expected inflight-limit error on second Send")
	}
}

func TestFlushIsANoOpCompletionOnSoftwareBackend(t *testing.T) {
	_, rc, _, _ := connectedPair(t)
	defer rc.CloseRecv()

	req, err := rc.Flush(nil)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	done, _, err := Test(req)
	if err != nil || !done {
		t.Fatalf("Flush request did not complete immediately: done=%v err=%v", done, err)
	}
}
