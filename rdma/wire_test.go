package rdma

import "testing"

func TestImmediateDataRoundTrip(t *testing.T) {
	cases := []struct {
		commID   uint32
		seq      uint16
		segments uint8
	}{
		{0, 0, 0},
		{1, 1, 1},
		{commMask, seqMask, segMask},
		{42, 513, 9},
		{commMask - 1, seqMask - 1, 1},
	}
	for _, c := range cases {
		imm := getRDMAWriteImm(c.commID, c.seq, c.segments)
		gotComm, gotSeq, gotSeg := getFromImm(imm)
		if gotComm != c.commID || gotSeq != c.seq || gotSeg != c.segments {
			t.Fatalf("round trip %+v: got comm=%d seq=%d seg=%d", c, gotComm, gotSeq, gotSeg)
		}
	}
}

func TestImmediateDataFieldsDoNotOverlap(t *testing.T) {
	// A change in one field must never perturb the bits belonging to another.
	base := getRDMAWriteImm(100, 200, 3)
	withMoreSeq := getRDMAWriteImm(100, 201, 3)
	if withMoreSeq == base {
		t.Fatal("seq change did not affect immediate")
	}
	gotComm, _, gotSeg := getFromImm(withMoreSeq)
	if gotComm != 100 || gotSeg != 3 {
		t.Fatalf("seq-only change perturbed comm/segments: comm=%d seg=%d", gotComm, gotSeg)
	}
}

func TestConnMsgMarshalRoundTrip(t *testing.T) {
	m := connMsg{typ: msgConnResp, localCommID: 7, remoteCommID: 99, numRails: 2}
	copy(m.endpointNames[0][:], []byte{127, 0, 0, 1, 0x34, 0x12})
	copy(m.endpointNames[1][:], []byte{10, 0, 0, 2, 0x50, 0x00})

	got, ok := unmarshalConnMsg(m.marshal())
	if !ok {
		t.Fatal("unmarshalConnMsg reported too-short buffer")
	}
	if got.typ != m.typ || got.localCommID != m.localCommID || got.remoteCommID != m.remoteCommID || got.numRails != m.numRails {
		t.Fatalf("header mismatch: got %+v, want %+v", got, m)
	}
	if got.endpointNames[0] != m.endpointNames[0] || got.endpointNames[1] != m.endpointNames[1] {
		t.Fatalf("endpoint names mismatch: got %v / %v", got.endpointNames[0], got.endpointNames[1])
	}
}

func TestCtrlMsgMarshalRoundTrip(t *testing.T) {
	m := ctrlMsg{remoteCommID: 3, msgSeqNum: 511, buffAddr: 0xdeadbeef, buffLen: 1 << 20}
	m.buffMRKey[0] = 0xaabb
	m.buffMRKey[1] = 0xccdd

	got, ok := unmarshalCtrlMsg(m.marshal())
	if !ok {
		t.Fatal("unmarshalCtrlMsg reported too-short buffer")
	}
	if got.remoteCommID != m.remoteCommID || got.msgSeqNum != m.msgSeqNum || got.buffAddr != m.buffAddr || got.buffLen != m.buffLen {
		t.Fatalf("mismatch: got %+v, want %+v", got, m)
	}
	if got.buffMRKey != m.buffMRKey {
		t.Fatalf("mrkey array mismatch: got %v, want %v", got.buffMRKey, m.buffMRKey)
	}
}

func TestPeekMsgTypeDistinguishesWireMessages(t *testing.T) {
	conn := connMsg{typ: msgConn}.marshal()
	ctrl := ctrlMsg{}.marshal()

	if mt, ok := peekMsgType(conn); !ok || mt != msgConn {
		t.Fatalf("peekMsgType(conn) = %v, %v", mt, ok)
	}
	if mt, ok := peekMsgType(ctrl); !ok || mt != msgCtrl {
		t.Fatalf("peekMsgType(ctrl) = %v, %v", mt, ok)
	}
	if _, ok := peekMsgType([]byte{1}); ok {
		t.Fatal("peekMsgType accepted a one-byte buffer")
	}
}

func TestUnmarshalRejectsShortBuffers(t *testing.T) {
	if _, ok := unmarshalConnMsg(make([]byte, connMsgSize-1)); ok {
		t.Fatal("unmarshalConnMsg accepted a short buffer")
	}
	if _, ok := unmarshalCtrlMsg(make([]byte, ctrlMsgSize-1)); ok {
		t.Fatal("unmarshalCtrlMsg accepted a short buffer")
	}
}
