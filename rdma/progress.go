package rdma

import (
	"errors"

	"github.com/railfabric/rdmatransport/bounce"
	"github.com/railfabric/rdmatransport/fabric"
)

func isFabricAgain(err error) bool { return errors.Is(err, fabric.ErrAgain) }

// progress drains one round of completions from every rail's completion
// queue, dispatches them, drains each rail's asynchronous error queue, and
// finally walks the pending-request deque retrying queued posts until the
// first one still fails with EAGAIN. It is non-blocking and is called at the
// top of every public, non-blocking entry point (Connect, Accept, Send,
// Recv, Flush, Test): there are no internal goroutines anywhere in this
// package, matching the caller-driven progress model.
func (ep *Endpoint) progress() error {
	for i, r := range ep.rails {
		entries, err := r.ep.CQRead(ep.device.cfg.CQReadCount)
		if err != nil {
			if isFabricAgain(err) {
				continue
			}
			return newErr("progress", classifyFabricErr(err), err)
		}
		for _, e := range entries {
			ep.dispatch(i, e)
		}
	}
	for i, r := range ep.rails {
		for {
			ce, err := r.ep.CQReadErr()
			if err != nil {
				break
			}
			ep.dispatchErr(i, ce)
		}
	}
	ep.drainPending()
	return nil
}

func (ep *Endpoint) dispatch(railIdx int, e fabric.CQEntry) {
	if e.Flags&fabric.FlagRemoteWrite != 0 {
		ep.dispatchRemoteWrite(e)
		return
	}
	if reqIdx, payIdx, ok := bounce.ReqIndices(e.Context); ok {
		ep.dispatchBounceRecv(railIdx, reqIdx, payIdx, e)
		return
	}
	if req, ok := e.Context.(*Request); ok {
		ep.dispatchRequestCompletion(req, e)
		return
	}
}

// dispatchRemoteWrite handles an incoming RDMA write: the receiving side
// never posted anything for it (one-sided), so the only way to find the
// target is the comm-id/seq-num packed into the immediate data.
func (ep *Endpoint) dispatchRemoteWrite(e fabric.CQEntry) {
	commID, seq, segments := getFromImm(e.Data)
	rc := ep.lookupRecv(commID)
	if rc == nil {
		ep.logger.debug("remote write for unknown receive communicator", "comm_id", commID)
		return
	}
	parent, ok := rc.inflight[seq]
	if !ok || parent.recv == nil || parent.recv.recvSegms == nil {
		ep.logger.debug("remote write for unmatched sequence number", "comm_id", commID, "seq", seq)
		return
	}
	ep.device.metrics.incCompletion(completionFlagLabel(e.Flags))
	ep.device.metrics.addBytes(e.Len)
	segReq := parent.recv.recvSegms
	segReq.setSegmentTotal(segments)
	if segReq.addCompletion(1, e.Len) {
		ep.onSubRequestDone(segReq)
	}
}

// dispatchRequestCompletion handles a completion whose context is a request
// this endpoint posted directly (not through the bounce pool): CONN/
// CONN_RESP/CTRL/eager sends, RDMA-write segments of a rendezvous SEND, and
// RDMA reads.
func (ep *Endpoint) dispatchRequestCompletion(req *Request, e fabric.CQEntry) {
	if e.Flags&(fabric.FlagSend|fabric.FlagWrite|fabric.FlagRead) == 0 {
		return
	}
	ep.device.metrics.incCompletion(completionFlagLabel(e.Flags))
	ep.device.metrics.addBytes(e.Len)
	if req.addCompletion(1, e.Len) {
		ep.onSubRequestDone(req)
	}
}

// completionFlagLabel names a completion for the rdma_completions_total
// metric, preferring the most specific flag a software-backend entry ever
// carries.
func completionFlagLabel(f fabric.Flags) string {
	switch {
	case f&fabric.FlagRemoteWrite != 0:
		return "remote_write"
	case f&fabric.FlagWrite != 0:
		return "write"
	case f&fabric.FlagRead != 0:
		return "read"
	case f&fabric.FlagRecv != 0:
		return "recv"
	case f&fabric.FlagSend != 0:
		return "send"
	default:
		return "other"
	}
}

// onSubRequestDone propagates a completed sub-request's arrival up to its
// parent, recursing in case that completion also finishes the parent. Only
// RECV_SEGMS and EAGER_COPY sub-requests carry user data; SEND_CTRL's own
// completion (the control message departing the NIC) contributes zero bytes.
func (ep *Endpoint) onSubRequestDone(req *Request) {
	parent := req.parent
	if parent == nil {
		return
	}
	bytes := 0
	if req.Kind == KindRecvSegms || req.Kind == KindEagerCopy {
		_, bytes, _ = req.snapshot()
	}
	if parent.addCompletion(1, bytes) {
		ep.onSubRequestDone(parent)
	}
}

// dispatchBounceRecv handles an arrival landed in the shared bounce pool:
// either an eager send (carries remote-CQ immediate data) or one of
// CONN/CONN_RESP/CTRL (plain two-sided sends, distinguished by the message's
// leading type field).
func (ep *Endpoint) dispatchBounceRecv(railIdx int, reqIdx, payIdx uint32, e fabric.CQEntry) {
	br := ep.bouncePool.RequestAt(railIdx, reqIdx)
	payload := br.Payload.Buf[:e.Len]

	if e.Flags&fabric.FlagRemoteCQData != 0 {
		ep.dispatchEagerArrival(e.Data, payload)
	} else if mt, ok := peekMsgType(payload); ok {
		switch mt {
		case msgConn:
			if m, ok := unmarshalConnMsg(payload); ok {
				ep.onConnArrived(m)
			}
		case msgConnResp:
			if m, ok := unmarshalConnMsg(payload); ok {
				ep.onConnRespArrived(m)
			}
		case msgCtrl:
			if m, ok := unmarshalCtrlMsg(payload); ok {
				ep.onCtrlArrived(m)
			}
		default:
			ep.logger.debug("unrecognized bounce message type", "rail", railIdx)
		}
	}

	ep.bouncePool.Decrement(railIdx)
	if err := ep.bouncePool.Repost(railIdx, reqIdx, payIdx); err != nil && !isFabricAgain(err) {
		ep.logger.logerr("bounce repost failed", err, "rail", railIdx)
	}
}

func (ep *Endpoint) dispatchEagerArrival(imm uint32, payload []byte) {
	commID, seq, _ := getFromImm(imm)
	rc := ep.lookupRecv(commID)
	if rc == nil {
		ep.logger.debug("eager arrival for unknown receive communicator", "comm_id", commID)
		return
	}
	rc.handleEagerArrival(seq, payload)
}

func (ep *Endpoint) onConnArrived(m connMsg) {
	lc := ep.lookupListen(m.remoteCommID)
	if lc == nil || lc.pendingConn != nil {
		return
	}
	cp := m
	lc.pendingConn = &cp
}

func (ep *Endpoint) onConnRespArrived(m connMsg) {
	sc := ep.lookupSend(m.remoteCommID)
	if sc == nil || sc.connRespMsg != nil {
		return
	}
	cp := m
	sc.connRespMsg = &cp
}

func (ep *Endpoint) onCtrlArrived(m ctrlMsg) {
	sc := ep.lookupSend(m.remoteCommID)
	if sc == nil {
		ep.logger.debug("ctrl arrival for unknown send communicator", "comm_id", m.remoteCommID)
		return
	}
	sc.handleCtrlArrival(m)
}

// dispatchErr drains a rail's asynchronous error queue. A failed bounce
// receive is fatal to the protocol (the pool can no longer guarantee
// CONN/CONN_RESP/CTRL/eager delivery on this rail); a failed remote write
// locates its target the same way a successful one would.
func (ep *Endpoint) dispatchErr(railIdx int, ce fabric.CQErrEntry) {
	if reqIdx, payIdx, ok := bounce.ReqIndices(ce.Context); ok {
		ep.logger.logerr("bounce receive failed", ce.Err, "rail", railIdx)
		ep.bouncePool.Release(railIdx, reqIdx, payIdx)
		return
	}
	if req, ok := ce.Context.(*Request); ok {
		req.fail(newErr("dispatchErr", classifyFabricErr(ce.Err), ce.Err))
		return
	}
	ep.logger.logerr("unattributed completion error", ce.Err, "rail", railIdx)
}

// drainPending retries queued posts front-to-back, stopping at the first one
// that still returns EAGAIN (which remains at the front for the next
// progress call); any other error fails the request and the drain continues.
func (ep *Endpoint) drainPending() {
	for {
		req := ep.pending.Front()
		if req == nil {
			return
		}
		err := req.retry(req)
		if err == nil {
			ep.pending.PopFront()
			continue
		}
		if isFabricAgain(err) {
			ep.device.metrics.incEagain()
			return
		}
		ep.pending.PopFront()
		req.fail(newErr("drainPending", classifyFabricErr(err), err))
	}
}
