package rdma

import "encoding/binary"

// msgType tags the first two bytes of every bounce-buffer-landed message, as
// used by the progress engine to dispatch an unsolicited RECV completion
// without remote-CQ-data.
type msgType uint16

const (
	msgConn msgType = iota
	msgConnResp
	msgCtrl
)

// MaxRails bounds how many endpoint names a CONN/CONN_RESP can carry; it is
// the width of the schedule the core will ever hand out, one segment per
// rail at most.
const MaxRails = 16

// endpointNameSize is the wire size of one fabric endpoint name (4 bytes
// IPv4 + 2 bytes port, see fabric.Endpoint.Name).
const endpointNameSize = 6

// connMsg is the CONN / CONN_RESP wire message. type distinguishes the two;
// both share the same layout.
type connMsg struct {
	typ           msgType
	localCommID   uint32
	remoteCommID  uint32
	numRails      uint16
	endpointNames [MaxRails][endpointNameSize]byte
}

const connMsgSize = 2 + 2 + 4 + 4 + 2 + 2 + MaxRails*endpointNameSize // type+pad+local+remote+numRails+pad

func (m connMsg) marshal() []byte {
	b := make([]byte, connMsgSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(m.typ))
	binary.LittleEndian.PutUint32(b[4:8], m.localCommID)
	binary.LittleEndian.PutUint32(b[8:12], m.remoteCommID)
	binary.LittleEndian.PutUint16(b[12:14], m.numRails)
	off := 16
	for i := 0; i < MaxRails; i++ {
		copy(b[off:off+endpointNameSize], m.endpointNames[i][:])
		off += endpointNameSize
	}
	return b
}

func unmarshalConnMsg(b []byte) (connMsg, bool) {
	if len(b) < connMsgSize {
		return connMsg{}, false
	}
	var m connMsg
	m.typ = msgType(binary.LittleEndian.Uint16(b[0:2]))
	m.localCommID = binary.LittleEndian.Uint32(b[4:8])
	m.remoteCommID = binary.LittleEndian.Uint32(b[8:12])
	m.numRails = binary.LittleEndian.Uint16(b[12:14])
	off := 16
	for i := 0; i < MaxRails; i++ {
		copy(m.endpointNames[i][:], b[off:off+endpointNameSize])
		off += endpointNameSize
	}
	return m, true
}

// ctrlMsg is the CTRL wire message: the receiver's buffer descriptor, sent
// to the sender so it can RDMA-write directly into it.
type ctrlMsg struct {
	remoteCommID uint32
	msgSeqNum    uint16
	buffAddr     uint64
	buffLen      uint64
	buffMRKey    [MaxRails]uint64
}

const ctrlMsgSize = 2 + 2 + 4 + 2 + 6 + 8 + 8 + MaxRails*8 // type+pad+remoteCommID+seq+pad+addr+len+keys

func (m ctrlMsg) marshal() []byte {
	b := make([]byte, ctrlMsgSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(msgCtrl))
	binary.LittleEndian.PutUint32(b[4:8], m.remoteCommID)
	binary.LittleEndian.PutUint16(b[8:10], m.msgSeqNum)
	binary.LittleEndian.PutUint64(b[16:24], m.buffAddr)
	binary.LittleEndian.PutUint64(b[24:32], m.buffLen)
	off := 32
	for i := 0; i < MaxRails; i++ {
		binary.LittleEndian.PutUint64(b[off:off+8], m.buffMRKey[i])
		off += 8
	}
	return b
}

func unmarshalCtrlMsg(b []byte) (ctrlMsg, bool) {
	if len(b) < ctrlMsgSize {
		return ctrlMsg{}, false
	}
	var m ctrlMsg
	m.remoteCommID = binary.LittleEndian.Uint32(b[4:8])
	m.msgSeqNum = binary.LittleEndian.Uint16(b[8:10])
	m.buffAddr = binary.LittleEndian.Uint64(b[16:24])
	m.buffLen = binary.LittleEndian.Uint64(b[24:32])
	off := 32
	for i := 0; i < MaxRails; i++ {
		m.buffMRKey[i] = binary.LittleEndian.Uint64(b[off : off+8])
		off += 8
	}
	return m, true
}

// peekMsgType reads the first two bytes of an unsolicited bounce arrival
// without otherwise parsing it, the way the progress engine decides which
// of CONN/CONN_RESP/CTRL a RECV-without-immediate completion carries.
func peekMsgType(b []byte) (msgType, bool) {
	if len(b) < 2 {
		return 0, false
	}
	return msgType(binary.LittleEndian.Uint16(b[0:2])), true
}

// Immediate-data layout: 32 bits split [4: segments | 18: comm-id | 10: seq-num],
// LSB = seq-num, per the external-interfaces wire contract.
const (
	seqBits  = 10
	commBits = 18
	segBits  = 4

	seqMask  = 1<<seqBits - 1
	commMask = 1<<commBits - 1
	segMask  = 1<<segBits - 1
)

// getRDMAWriteImm packs a remote communicator id, sequence number, and
// segment count into the 32-bit immediate carried by a write-with-immediate.
func getRDMAWriteImm(commID uint32, seq uint16, segments uint8) uint32 {
	return uint32(seq&seqMask) | (commID&commMask)<<seqBits | uint32(segments&segMask)<<(seqBits+commBits)
}

// getFromImm unpacks an immediate back into its three fields, bit-exact with
// getRDMAWriteImm for every representable input.
func getFromImm(imm uint32) (commID uint32, seq uint16, segments uint8) {
	seq = uint16(imm & seqMask)
	commID = (imm >> seqBits) & commMask
	segments = uint8((imm >> (seqBits + commBits)) & segMask)
	return
}
