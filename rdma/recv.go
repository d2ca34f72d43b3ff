package rdma

import (
	"github.com/railfabric/rdmatransport/fabric"
	"github.com/railfabric/rdmatransport/msgbuf"
)

// eagerArrival is what handleEagerArrival stashes in the message buffer when
// an eager send lands before the matching Recv call has been posted: a copy
// of the payload, since the bounce-pool slot it arrived in is reposted
// immediately afterward.
type eagerArrival struct {
	data []byte
}

// Recv posts buf to receive one message on a connected communicator,
// non-blocking. size must equal the size the peer's matching Send call will
// use; both sides classify eager-vs-rendezvous from size against the same
// configured threshold, so there is nothing to negotiate over the wire for
// that decision.
//
// Messages below the eager threshold are satisfied directly from whatever
// arrives (or already arrived) via the shared bounce pool. Larger messages
// register buf for remote RDMA write access and immediately send a CTRL
// descriptor so the peer can write straight into it; the request only
// completes once a SEND_CTRL sub-request (the CTRL departing the NIC) and a
// RECV_SEGMS sub-request (every striped write landing) both finish.
func (rc *ReceiveComm) Recv(buf []byte, size uint64) (*Request, error) {
	if err := rc.ep.progress(); err != nil {
		return nil, err
	}
	if rc.numInflight >= rc.maxInflight {
		return nil, newErr("Recv", KindResourceExhaustion, ErrInflightLimit)
	}
	req, err := rc.reqs.alloc(KindRecv)
	if err != nil {
		return nil, err
	}
	seq := rc.nextSeq
	rc.nextSeq = (rc.nextSeq + 1) & seqMask
	req.ep = rc.ep
	req.CommID = rc.localID
	req.Seq = seq
	req.DeviceID = rc.ep.device.id
	req.recv = &recvData{buf: buf}

	origRelease := req.release
	req.release = func(rr *Request) {
		if rr.recv.sendCtrl != nil {
			rr.recv.sendCtrl.release(rr.recv.sendCtrl)
		}
		if rr.recv.recvSegms != nil {
			rr.recv.recvSegms.release(rr.recv.recvSegms)
		}
		rc.deregisterBuf(rr)
		origRelease(rr)
	}
	req.advance = func(rr *Request) {
		delete(rc.inflight, rr.Seq)
		rc.numInflight--
		rc.ep.device.metrics.setInflight("recv", rc.numInflight)
		rc.msgs.Complete(rr.Seq)
		rc.msgs.Advance(rr.Seq)
	}

	rc.inflight[seq] = req
	rc.numInflight++
	rc.ep.device.metrics.setInflight("recv", rc.numInflight)

	if size < rc.ep.device.cfg.EagerMaxSize {
		rc.recvEager(req)
		return req, nil
	}
	if err := rc.recvRendezvous(req, size); err != nil {
		return nil, err
	}
	return req, nil
}

func (rc *ReceiveComm) recvEager(req *Request) {
	req.totalCompls = 1
	_, typ, err := rc.msgs.Insert(req.Seq, req, msgbuf.ElemRequest)
	if err == nil {
		return // nothing has arrived yet; handleEagerArrival resumes this.
	}
	if typ != msgbuf.ElemBuffer {
		req.fail(newErr("Recv", KindInvalidArgument, ErrWrongRequestKind))
		return
	}
	ptr, _, _ := rc.msgs.Retrieve(req.Seq)
	arr, ok := ptr.(*eagerArrival)
	if !ok {
		req.fail(newErr("Recv", KindInvalidArgument, ErrWrongRequestKind))
		return
	}
	rc.msgs.Replace(req.Seq, req, msgbuf.ElemRequest)
	n := copy(req.recv.buf, arr.data)
	if req.addCompletion(1, n) {
		rc.msgs.Complete(req.Seq)
	}
}

// handleEagerArrival resolves the eager race for one sequence number: a
// Recv call and an incoming eager send can arrive in either order, so
// whichever gets there first stakes the slot and the second completes it.
func (rc *ReceiveComm) handleEagerArrival(seq uint16, payload []byte) {
	cp := append([]byte(nil), payload...)
	_, typ, err := rc.msgs.Insert(seq, &eagerArrival{data: cp}, msgbuf.ElemBuffer)
	if err == nil {
		return // buffered, waiting for the matching Recv call.
	}
	if typ != msgbuf.ElemRequest {
		return
	}
	ptr, _, _ := rc.msgs.Retrieve(seq)
	req, ok := ptr.(*Request)
	if !ok {
		return
	}
	n := copy(req.recv.buf, payload)
	if req.addCompletion(1, n) {
		rc.msgs.Complete(seq)
	}
}

func (rc *ReceiveComm) recvRendezvous(req *Request, size uint64) error {
	req.totalCompls = 2

	id, err := rc.ep.device.mrKeys.Alloc()
	if err != nil {
		req.release(req)
		return newErr("Recv", KindResourceExhaustion, err)
	}
	mrKey := fabric.MRKey(id)
	for _, r := range rc.rails {
		if _, err := r.dom.RegisterMR(mrKey, req.recv.buf, fabric.MemoryHost); err != nil {
			req.release(req)
			return newErr("Recv", KindSystem, err)
		}
	}
	req.recv.mrKey = mrKey
	req.recv.hasMRKey = true

	ctrl := ctrlMsg{remoteCommID: rc.remote, msgSeqNum: req.Seq, buffAddr: 0, buffLen: size}
	for i := range rc.rails {
		ctrl.buffMRKey[i] = uint64(mrKey)
	}

	sendCtrlReq, err := rc.reqs.alloc(KindSendCtrl)
	if err != nil {
		req.release(req)
		return err
	}
	sendCtrlReq.ep = rc.ep
	sendCtrlReq.parent = req
	sendCtrlReq.totalCompls = 1
	sendCtrlReq.ctrl = &ctrlData{msg: ctrl}
	req.recv.sendCtrl = sendCtrlReq

	recvSegmsReq, err := rc.reqs.alloc(KindRecvSegms)
	if err != nil {
		sendCtrlReq.release(sendCtrlReq)
		req.release(req)
		return err
	}
	recvSegmsReq.ep = rc.ep
	recvSegmsReq.parent = req
	recvSegmsReq.segms = &segmsData{}
	req.recv.recvSegms = recvSegmsReq

	rc.postSendCtrl(sendCtrlReq, ctrl)
	return nil
}

func (rc *ReceiveComm) postSendCtrl(req *Request, ctrl ctrlMsg) {
	rail := rc.rails[0]
	buf := ctrl.marshal()
	err := rail.ep.Send(buf, rail.remoteAddr, req)
	if err == nil {
		return
	}
	if !isFabricAgain(err) {
		req.fail(newErr("postSendCtrl", classifyFabricErr(err), err))
		return
	}
	rc.ep.device.metrics.incEagain()
	req.retry = func(rr *Request) error { return rail.ep.Send(buf, rail.remoteAddr, rr) }
	rc.ep.pending.PushBack(req)
}

// deregisterBuf releases the memory registration a rendezvous Recv took out
// on its buffer, a no-op for eager requests (which never register anything).
func (rc *ReceiveComm) deregisterBuf(req *Request) {
	if !req.recv.hasMRKey {
		return
	}
	for _, r := range rc.rails {
		r.dom.DeregisterMR(req.recv.mrKey)
	}
	rc.ep.device.mrKeys.Free(uint32(req.recv.mrKey))
}
