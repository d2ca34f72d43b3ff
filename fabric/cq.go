package fabric

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// Flags tags the kind of work a CQEntry completes, mirroring the subset of
// fi_cq_* flag bits the core actually inspects.
type Flags uint32

const (
	FlagSend Flags = 1 << iota
	FlagRecv
	FlagWrite
	FlagRead
	FlagRemoteWrite // set on a Recv-side entry delivered by a peer's WriteImm
	FlagRemoteCQData
)

// CQEntry is one completion, the software analogue of fi_cq_data_entry.
type CQEntry struct {
	Context any
	Flags   Flags
	Len     int
	Data    uint32 // immediate data, valid when FlagRemoteCQData is set
}

// CQErrEntry is a failed completion, pulled off a side error queue the way
// fi_cq_readerr works.
type CQErrEntry struct {
	Context any
	Err     error
}

const maxDatagram = 65536

// CQRead drains up to batch completions: first any already-queued local
// "departed the NIC" completions from posted sends/writes, then as many
// inbound datagrams as are available without blocking. Returns ErrAgain (not
// an error) when nothing is ready, matching fi_cq_read's EAGAIN convention.
func (ep *Endpoint) CQRead(batch int) ([]CQEntry, error) {
	if batch <= 0 {
		batch = 1
	}
	out := make([]CQEntry, 0, batch)

	ep.mu.Lock()
	n := len(ep.localCQ)
	if n > batch {
		n = batch
	}
	out = append(out, ep.localCQ[:n]...)
	ep.localCQ = ep.localCQ[n:]
	ep.mu.Unlock()
	for i := 0; i < n; i++ {
		ep.releaseSend()
	}

	buf := make([]byte, maxDatagram)
	for len(out) < batch {
		nr, from, err := unix.Recvfrom(ep.fd, buf, 0)
		if err != nil {
			if isAgain(err) {
				break
			}
			ep.mu.Lock()
			ep.errQ = append(ep.errQ, CQErrEntry{Err: err})
			ep.mu.Unlock()
			break
		}
		fromAddr, _ := from.(*unix.SockaddrInet4)
		entry, ok := ep.dispatch(buf[:nr], fromAddr)
		if ok {
			out = append(out, entry)
		}
	}

	if len(out) == 0 {
		return nil, ErrAgain
	}
	return out, nil
}

// CQReadErr drains one entry from the asynchronous error queue.
func (ep *Endpoint) CQReadErr() (CQErrEntry, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if len(ep.errQ) == 0 {
		return CQErrEntry{}, ErrAgain
	}
	e := ep.errQ[0]
	ep.errQ = ep.errQ[1:]
	return e, nil
}

// dispatch decodes one inbound datagram and produces the local CQEntry it
// causes, if any. opReadReq never produces a local entry: it is serviced
// entirely as a side effect (the registered bytes are written back to the
// requester), matching one-sided RDMA read semantics where the target CPU is
// not involved.
func (ep *Endpoint) dispatch(b []byte, from *unix.SockaddrInet4) (CQEntry, bool) {
	h, payload, ok := parseHeader(b)
	if !ok {
		return CQEntry{}, false
	}
	switch h.op {
	case opSend, opSendImm:
		return ep.dispatchRecv(h, payload)
	case opWriteImm:
		return ep.dispatchWrite(h, payload)
	case opReadReq:
		ep.respondRead(h, payload, from)
		return CQEntry{}, false
	case opReadResp:
		return ep.dispatchReadResp(h, payload)
	default:
		return CQEntry{}, false
	}
}

func (ep *Endpoint) dispatchRecv(h header, payload []byte) (CQEntry, bool) {
	ep.mu.Lock()
	if len(ep.recvQ) == 0 {
		ep.mu.Unlock()
		return CQEntry{}, false
	}
	r := ep.recvQ[0]
	ep.recvQ = ep.recvQ[1:]
	ep.mu.Unlock()

	n := copy(r.buf, payload)
	e := CQEntry{Context: r.ctx, Flags: FlagRecv, Len: n}
	if h.op == opSendImm {
		e.Flags |= FlagRemoteCQData
		e.Data = h.immediate
	}
	return e, true
}

func (ep *Endpoint) dispatchWrite(h header, payload []byte) (CQEntry, bool) {
	dst, err := ep.dom.resolve(h.mrKey, h.offset, uint64(len(payload)))
	if err != nil {
		ep.mu.Lock()
		ep.errQ = append(ep.errQ, CQErrEntry{Err: err})
		ep.mu.Unlock()
		return CQEntry{}, false
	}
	n := copy(dst, payload)
	return CQEntry{Flags: FlagWrite | FlagRemoteWrite | FlagRemoteCQData, Data: h.immediate, Len: n}, true
}

// respondRead services a read request as a pure side effect: it resolves the
// requested memory region and sends the bytes straight back to whoever
// asked, tagged with the same reqID so the requester can match it to its
// pending read.
func (ep *Endpoint) respondRead(h header, payload []byte, from *unix.SockaddrInet4) {
	if from == nil || len(payload) < 8 {
		return
	}
	length := binary.LittleEndian.Uint64(payload[:8])
	data, err := ep.dom.resolve(h.mrKey, h.offset, length)
	if err != nil {
		return
	}
	resp := header{op: opReadResp, reqID: h.reqID}.append(make([]byte, 0, headerSize+len(data)))
	resp = append(resp, data...)
	unix.Sendto(ep.fd, resp, 0, from)
}

func (ep *Endpoint) dispatchReadResp(h header, payload []byte) (CQEntry, bool) {
	ep.mu.Lock()
	pr, ok := ep.pendingReads[h.reqID]
	if ok {
		delete(ep.pendingReads, h.reqID)
	}
	ep.mu.Unlock()
	if !ok {
		return CQEntry{}, false
	}
	ep.releaseSend()
	n := copy(pr.buf, payload)
	return CQEntry{Context: pr.ctx, Flags: FlagRead, Len: n}, true
}
