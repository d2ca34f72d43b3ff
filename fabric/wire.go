package fabric

import "encoding/binary"

// opcode tags the tiny header this software backend prepends to every UDP
// datagram so the receiving side's CQ poll can tell which verb produced it.
// None of this exists on real RDMA hardware; it is the price of emulating
// one-sided operations (write/read) over a two-sided datagram socket where
// both peers must independently drive their own completion queue.
type opcode uint8

const (
	opSend opcode = iota
	opSendImm
	opWriteImm
	opReadReq
	opReadResp
)

// header is fixed-size and precedes the payload on the wire. reqID threads
// together a read request and its response; it is meaningless for the other
// opcodes.
type header struct {
	op        opcode
	immediate uint32
	mrKey     MRKey
	offset    uint64
	reqID     uint64
}

const headerSize = 1 + 4 + 8 + 8 + 8

func (h header) append(b []byte) []byte {
	var tmp [headerSize]byte
	tmp[0] = byte(h.op)
	binary.LittleEndian.PutUint32(tmp[1:5], h.immediate)
	binary.LittleEndian.PutUint64(tmp[5:13], uint64(h.mrKey))
	binary.LittleEndian.PutUint64(tmp[13:21], h.offset)
	binary.LittleEndian.PutUint64(tmp[21:29], h.reqID)
	return append(b, tmp[:]...)
}

func parseHeader(b []byte) (header, []byte, bool) {
	if len(b) < headerSize {
		return header{}, nil, false
	}
	h := header{
		op:        opcode(b[0]),
		immediate: binary.LittleEndian.Uint32(b[1:5]),
		mrKey:     MRKey(binary.LittleEndian.Uint64(b[5:13])),
		offset:    binary.LittleEndian.Uint64(b[13:21]),
		reqID:     binary.LittleEndian.Uint64(b[21:29]),
	}
	return h, b[headerSize:], true
}
