package fabric

import (
	"testing"
	"time"
)

func mustPair(t *testing.T) (a, b *Endpoint, dom *Domain) {
	t.Helper()
	fab, err := OpenFabric(softwareProviderName)
	if err != nil {
		t.Fatalf("OpenFabric: %v", err)
	}
	dom, err = fab.OpenDomain()
	if err != nil {
		t.Fatalf("OpenDomain: %v", err)
	}
	a, err = dom.OpenEndpoint(EndpointConfig{})
	if err != nil {
		t.Fatalf("OpenEndpoint a: %v", err)
	}
	b, err = dom.OpenEndpoint(EndpointConfig{})
	if err != nil {
		t.Fatalf("OpenEndpoint b: %v", err)
	}
	nameA, err := a.Name()
	if err != nil {
		t.Fatalf("a.Name: %v", err)
	}
	nameB, err := b.Name()
	if err != nil {
		t.Fatalf("b.Name: %v", err)
	}
	if _, err := a.AVInsert(nameB); err != nil {
		t.Fatalf("a.AVInsert: %v", err)
	}
	if _, err := b.AVInsert(nameA); err != nil {
		t.Fatalf("b.AVInsert: %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, dom
}

// pollUntil retries CQRead until it sees at least one completion or the
// deadline passes; the software backend is entirely non-blocking so tests
// must pump it the way the core's progress engine does.
func pollUntil(t *testing.T, ep *Endpoint, batch int) []CQEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := ep.CQRead(batch)
		if err == nil {
			return entries
		}
		if err != ErrAgain {
			t.Fatalf("CQRead: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for completion")
	return nil
}

func TestSendRecvRoundTrip(t *testing.T) {
	a, b, _ := mustPair(t)

	if err := b.Recv(make([]byte, 16), "recv-ctx"); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := a.Send([]byte("hello rail"), 0, "send-ctx"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	sendEntries := pollUntil(t, a, 4)
	if len(sendEntries) != 1 || sendEntries[0].Flags&FlagSend == 0 || sendEntries[0].Context != "send-ctx" {
		t.Fatalf("unexpected send completion: %+v", sendEntries)
	}

	recvEntries := pollUntil(t, b, 4)
	if len(recvEntries) != 1 || recvEntries[0].Flags&FlagRecv == 0 || recvEntries[0].Context != "recv-ctx" {
		t.Fatalf("unexpected recv completion: %+v", recvEntries)
	}
	if recvEntries[0].Len != len("hello rail") {
		t.Fatalf("recv len = %d", recvEntries[0].Len)
	}
}

func TestSendImmCarriesImmediateData(t *testing.T) {
	a, b, _ := mustPair(t)

	if err := b.Recv(make([]byte, 0), nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := a.SendImm(nil, 0xDEADBEEF, 0, nil); err != nil {
		t.Fatalf("SendImm: %v", err)
	}
	_ = pollUntil(t, a, 4)
	recvEntries := pollUntil(t, b, 4)
	if recvEntries[0].Flags&FlagRemoteCQData == 0 {
		t.Fatalf("missing FlagRemoteCQData: %+v", recvEntries[0])
	}
	if recvEntries[0].Data != 0xDEADBEEF {
		t.Fatalf("immediate data = %#x", recvEntries[0].Data)
	}
}

func TestWriteImmDeliversWithoutPostedRecv(t *testing.T) {
	a, b, dom := mustPair(t)

	remote := make([]byte, 64)
	if _, err := dom.RegisterMR(MRKey(1), remote, MemoryHost); err != nil {
		t.Fatalf("RegisterMR: %v", err)
	}
	payload := []byte("stripe segment")
	if err := a.WriteImm(payload, 42, 0, 8, MRKey(1), nil); err != nil {
		t.Fatalf("WriteImm: %v", err)
	}
	_ = pollUntil(t, a, 4)
	writeEntries := pollUntil(t, b, 4)
	if writeEntries[0].Flags&FlagRemoteWrite == 0 || writeEntries[0].Data != 42 {
		t.Fatalf("unexpected write completion: %+v", writeEntries[0])
	}
	got := remote[8 : 8+len(payload)]
	if string(got) != string(payload) {
		t.Fatalf("write landed wrong bytes: %q", got)
	}
}

func TestReadFetchesRemoteMemory(t *testing.T) {
	a, b, dom := mustPair(t)

	remote := []byte("remote resident bytes")
	if _, err := dom.RegisterMR(MRKey(7), remote, MemoryHost); err != nil {
		t.Fatalf("RegisterMR: %v", err)
	}
	local := make([]byte, len("remote resident"))
	if err := a.Read(local, 0, 0, MRKey(7), "read-ctx"); err != nil {
		t.Fatalf("Read: %v", err)
	}

	// b must pump its own CQ to service the read request side effect; no
	// local completion is produced on b for opReadReq.
	_, err := b.CQRead(4)
	if err != nil && err != ErrAgain {
		t.Fatalf("b.CQRead: %v", err)
	}

	readEntries := pollUntil(t, a, 4)
	if readEntries[0].Flags&FlagRead == 0 || readEntries[0].Context != "read-ctx" {
		t.Fatalf("unexpected read completion: %+v", readEntries[0])
	}
	if string(local) != "remote resident" {
		t.Fatalf("read fetched wrong bytes: %q", local)
	}
}

func TestSendBackpressureReturnsErrAgain(t *testing.T) {
	a, b, _ := mustPair(t)
	a.SetMaxInflightUnacked(1)

	if err := b.Recv(make([]byte, 8), nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := a.Send([]byte("one"), 0, nil); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := a.Send([]byte("two"), 0, nil); err != ErrAgain {
		t.Fatalf("want ErrAgain while at cap, got %v", err)
	}

	// Draining the first send's local completion frees a slot.
	_ = pollUntil(t, a, 4)
	if err := a.Send([]byte("two"), 0, nil); err != nil {
		t.Fatalf("Send after drain: %v", err)
	}
}

func TestAVInsertRejectsMalformedName(t *testing.T) {
	a, _, _ := mustPair(t)
	if _, err := a.AVInsert([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for malformed endpoint name")
	}
}
