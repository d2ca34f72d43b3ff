package rdma

import (
	"github.com/railfabric/rdmatransport/fabric"
	"github.com/railfabric/rdmatransport/msgbuf"
)

// Send posts buf for transmission on a connected communicator, non-blocking:
// the returned request may already be COMPLETED (nothing left to do for the
// caller but [Test] it), still PENDING (awaiting either a CTRL descriptor
// from the peer or local fabric backpressure), or in ERROR.
//
// Messages shorter than the configured eager threshold travel as one inline
// send carrying the message bytes and are done once that send's local
// completion arrives. Larger messages wait for the peer's CTRL (the race
// between this call and the peer's matching Recv is resolved by sc.msgs, the
// same sliding window the receive side uses) before RDMA-writing directly
// into the peer's buffer, striped across rails by the device scheduler.
func (sc *SendComm) Send(buf []byte) (*Request, error) {
	if err := sc.ep.progress(); err != nil {
		return nil, err
	}
	if !sc.connected {
		return nil, newErr("Send", KindInvalidArgument, ErrNotConnected)
	}
	if sc.numInflight >= sc.maxInflight {
		return nil, newErr("Send", KindResourceExhaustion, ErrInflightLimit)
	}
	req, err := sc.reqs.alloc(KindSend)
	if err != nil {
		return nil, err
	}
	seq := sc.nextSeq
	sc.nextSeq = (sc.nextSeq + 1) & seqMask
	req.ep = sc.ep
	req.CommID = sc.localID
	req.Seq = seq
	req.DeviceID = sc.ep.device.id
	req.send = &sendData{buf: buf}

	origRelease := req.release
	req.release = func(rr *Request) {
		if rr.send.schedule != nil {
			sc.ep.device.scheduler.Release(rr.send.schedule)
		}
		origRelease(rr)
	}
	req.advance = func(rr *Request) {
		delete(sc.inflight, rr.Seq)
		sc.numInflight--
		sc.ep.device.metrics.setInflight("send", sc.numInflight)
		sc.msgs.Complete(rr.Seq)
		sc.msgs.Advance(rr.Seq)
	}

	sc.inflight[seq] = req
	sc.numInflight++
	sc.ep.device.metrics.setInflight("send", sc.numInflight)

	size := uint64(len(buf))
	if size < sc.ep.device.cfg.EagerMaxSize {
		sc.sendEager(req, size)
		return req, nil
	}

	req.totalCompls = 1
	_, typ, insErr := sc.msgs.Insert(seq, req, msgbuf.ElemRequest)
	if insErr == nil {
		return req, nil // CTRL has not arrived yet; handleCtrlArrival resumes this.
	}
	if typ != msgbuf.ElemBuffer {
		req.fail(newErr("Send", KindInvalidArgument, ErrWrongRequestKind))
		return req, nil
	}
	ptr, _, _ := sc.msgs.Retrieve(seq)
	ctrl, ok := ptr.(*ctrlMsg)
	if !ok {
		req.fail(newErr("Send", KindInvalidArgument, ErrWrongRequestKind))
		return req, nil
	}
	sc.msgs.Replace(seq, req, msgbuf.ElemRequest)
	sc.issueWrites(req, *ctrl, size)
	return req, nil
}

func (sc *SendComm) sendEager(req *Request, size uint64) {
	req.totalCompls = 1
	segs := sc.ep.device.scheduler.Schedule(size, len(sc.rails))
	req.send.schedule = segs
	rail := sc.rails[segs[0].Rail]
	imm := getRDMAWriteImm(sc.remote, req.Seq, 1)
	err := rail.ep.SendImm(req.send.buf, imm, rail.remoteAddr, req)
	if err == nil {
		return
	}
	if !isFabricAgain(err) {
		req.fail(newErr("Send", classifyFabricErr(err), err))
		return
	}
	sc.ep.device.metrics.incEagain()
	req.retry = func(rr *Request) error { return rail.ep.SendImm(rr.send.buf, imm, rail.remoteAddr, rr) }
	sc.ep.pending.PushBack(req)
}

// handleCtrlArrival resolves the CTRL/Send race for one sequence number:
// whichever of this call or the matching Send call observes the slot first
// inserts its own element as ElemBuffer (ctrl message) or ElemRequest (local
// send already posted); the second arrival finds the first's element
// waiting and completes the pairing.
func (sc *SendComm) handleCtrlArrival(m ctrlMsg) {
	cp := m
	_, typ, err := sc.msgs.Insert(m.msgSeqNum, &cp, msgbuf.ElemBuffer)
	if err == nil {
		return // buffered, waiting for the matching Send call.
	}
	if typ != msgbuf.ElemRequest {
		return
	}
	ptr, _, _ := sc.msgs.Retrieve(m.msgSeqNum)
	req, ok := ptr.(*Request)
	if !ok {
		return
	}
	sc.msgs.Replace(m.msgSeqNum, req, msgbuf.ElemRequest)
	sc.issueWrites(req, cp, uint64(len(req.send.buf)))
}

// issueWrites schedules size bytes across the communicator's rails and
// RDMA-writes each segment into the peer's CTRL-described buffer, tagging
// every segment's immediate with the total segment count so the peer's
// RECV_SEGMS sub-request knows when it has everything.
func (sc *SendComm) issueWrites(req *Request, ctrl ctrlMsg, size uint64) {
	segs := sc.ep.device.scheduler.Schedule(size, len(sc.rails))
	req.send.schedule = segs
	req.totalCompls = len(segs)
	req.send.remoteAddr = ctrl.buffAddr
	req.send.remoteKeys = ctrl.buffMRKey
	req.send.immediate = getRDMAWriteImm(sc.remote, req.Seq, uint8(len(segs)))

	for idx := 0; idx < len(segs); idx++ {
		if err := sc.sendSegment(req, idx); err != nil {
			if !isFabricAgain(err) {
				req.fail(newErr("issueWrites", classifyFabricErr(err), err))
				return
			}
			sc.ep.device.metrics.incEagain()
			req.send.xferredRail = idx
			req.retry = func(rr *Request) error { return sc.retrySegmentsFrom(rr) }
			sc.ep.pending.PushBack(req)
			return
		}
	}
}

func (sc *SendComm) sendSegment(req *Request, idx int) error {
	seg := req.send.schedule[idx]
	rail := sc.rails[seg.Rail]
	key := fabric.MRKey(req.send.remoteKeys[seg.Rail])
	offset := req.send.remoteAddr + seg.Offset
	return rail.ep.WriteImm(req.send.buf[seg.Offset:seg.Offset+seg.Length], req.send.immediate, rail.remoteAddr, offset, key, req)
}

func (sc *SendComm) retrySegmentsFrom(req *Request) error {
	for idx := req.send.xferredRail; idx < len(req.send.schedule); idx++ {
		if err := sc.sendSegment(req, idx); err != nil {
			req.send.xferredRail = idx
			return err
		}
	}
	return nil
}
