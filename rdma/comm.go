package rdma

import (
	"github.com/railfabric/rdmatransport/internal"
	"github.com/railfabric/rdmatransport/msgbuf"
)

// handshakeStage is the connection state machine's position. Sender and
// receiver run independent stage sequences (the wire table in §4.5 names
// different actions per side under shared stage labels); this
// implementation collapses the table's RECV_CONN row into its neighboring
// *_REQ_PENDING stage on both sides, since the bounce pool is always
// listening ANY_SRC and there is no distinct "post a recv" action left to
// perform.
type handshakeStage uint8

const (
	stageCreateStart handshakeStage = iota
	stageConnReqPending
	stageConnRespReqPending
	stageConnected
)

// Handle is what listen() hands the caller to pass to a peer out of band
// so it can connect back.
type Handle struct {
	EndpointName []byte
	ListenCommID uint32
}

// ListenComm is the passive side of a handshake: one rail, a scratch slot
// for the arriving CONN, and the receive-comm built once it arrives.
type ListenComm struct {
	ep    *Endpoint
	id    uint32
	stage handshakeStage

	pendingConn *connMsg
	connRespReq *Request
	building    *ReceiveComm
}

// SendComm is the active side of a connection: N rails bound to the peer, a
// request freelist, a message buffer for CTRL/SEND race closure, a sequence
// counter, and inflight bookkeeping.
type SendComm struct {
	ep     *Endpoint
	logger logger

	localID uint32
	remote  uint32
	stage   handshakeStage

	connReq      *Request
	connRespMsg  *connMsg

	rails []*Rail

	reqs    *requestPool
	msgs    msgbuf.Buffer
	nextSeq uint16

	inflight    map[uint16]*Request
	numInflight int
	maxInflight int

	connected bool
}

// ReceiveComm is the symmetric passive-side communicator: N rails, a
// message buffer, an optional flush buffer, and inflight bookkeeping.
type ReceiveComm struct {
	ep     *Endpoint
	logger logger

	localID uint32
	remote  uint32

	rails []*Rail

	reqs    *requestPool
	msgs    msgbuf.Buffer
	nextSeq uint16

	inflight    map[uint16]*Request
	numInflight int
	maxInflight int

	flushBuf []byte
	gdr      Support
}

const (
	sendRequestFreelistSize = 16
	recvRequestFreelistSize = 16
	maxInflightDefault      = 256
)

// Listen begins the passive side of a handshake on ep. CONN/CONN_RESP
// arrive through the shared bounce pool (§4.3); Listen only needs to
// allocate an id and hand back this endpoint's rail-0 name.
func Listen(ep *Endpoint) (*Handle, *ListenComm, error) {
	id, err := ep.allocCommID()
	if err != nil {
		return nil, nil, err
	}
	lc := &ListenComm{ep: ep, id: id, stage: stageCreateStart}
	ep.registerListen(id, lc)

	name, err := ep.rails[0].name()
	if err != nil {
		return nil, nil, newErr("Listen", KindSystem, err)
	}
	return &Handle{EndpointName: name, ListenCommID: id}, lc, nil
}

// Connect drives one round of the active-side handshake, non-blocking. The
// first call, with sc nil, allocates and registers the SendComm and returns
// it immediately so the caller has a handle to pass back in; every call
// after that must pass the same handle and that sc. A later call returns
// nil while the handshake is still in progress and the sc again once it
// has connected. sc.connected reports whether the handshake has actually finished — a
// returned sc may still be mid-handshake, Send must not be called until
// connected is true.
func Connect(ep *Endpoint, sc *SendComm, handle Handle) (*SendComm, error) {
	if sc == nil {
		id, err := ep.allocCommID()
		if err != nil {
			return nil, err
		}
		sc = &SendComm{
			ep: ep, logger: ep.logger, localID: id, remote: handle.ListenCommID,
			rails: ep.rails, reqs: newRequestPool(sendRequestFreelistSize),
			maxInflight: maxInflightDefault,
			inflight:    make(map[uint16]*Request),
		}
		ep.registerSend(id, sc)
		if err := sc.rails[0].insertRemote(handle.EndpointName); err != nil {
			return nil, newErr("Connect", KindSystem, err)
		}
	}

	if err := ep.progress(); err != nil {
		return nil, err
	}

	switch sc.stage {
	case stageCreateStart:
		if err := sc.postConn(); err != nil {
			return nil, err
		}
		return sc, nil
	case stageConnReqPending:
		state, _, err := sc.connReq.snapshot()
		if err != nil {
			return nil, newErr("Connect", classifyFabricErr(err), err)
		}
		if state != StateCompleted {
			return nil, nil
		}
		sc.connReq.release(sc.connReq)
		sc.connReq = nil
		sc.stage = stageConnRespReqPending
		return nil, nil
	case stageConnRespReqPending:
		if sc.connRespMsg == nil {
			return nil, nil
		}
		m := sc.connRespMsg
		for i := 1; i < int(m.numRails) && i < len(sc.rails); i++ {
			if err := sc.rails[i].insertRemote(m.endpointNames[i][:]); err != nil {
				return nil, newErr("Connect", KindSystem, err)
			}
		}
		sc.remote = m.localCommID
		sc.connected = true
		sc.stage = stageConnected
		return sc, nil
	default:
		return sc, nil
	}
}

func (sc *SendComm) postConn() error {
	msg := connMsg{typ: msgConn, localCommID: sc.localID, remoteCommID: sc.remote, numRails: uint16(len(sc.rails))}
	for i, r := range sc.rails {
		name, err := r.name()
		if err != nil {
			return newErr("postConn", KindSystem, err)
		}
		copy(msg.endpointNames[i][:], name)
	}
	req, err := sc.reqs.alloc(KindSendConn)
	if err != nil {
		return err
	}
	req.conn = &connData{msg: msg}
	req.totalCompls = 1
	req.State = StatePending
	if err := sc.rails[0].ep.Send(msg.marshal(), sc.rails[0].remoteAddr, req); err != nil {
		req.release(req)
		if isFabricAgain(err) {
			return nil
		}
		return newErr("postConn", classifyFabricErr(err), err)
	}
	sc.connReq = req
	sc.stage = stageConnReqPending
	return nil
}

// Accept drives one round of the passive-side handshake, non-blocking: a
// nil *ReceiveComm with a nil error means "call again".
func Accept(lc *ListenComm) (*ReceiveComm, error) {
	if err := lc.ep.progress(); err != nil {
		return nil, err
	}

	switch lc.stage {
	case stageCreateStart:
		if lc.pendingConn == nil {
			return nil, nil
		}
		if err := lc.onConnArrived(); err != nil {
			return nil, err
		}
		return nil, nil
	case stageConnRespReqPending:
		state, _, err := lc.connRespReq.snapshot()
		if err != nil {
			return nil, newErr("Accept", classifyFabricErr(err), err)
		}
		if state != StateCompleted {
			return nil, nil
		}
		lc.connRespReq.release(lc.connRespReq)
		lc.connRespReq = nil
		rc := lc.building
		lc.building = nil
		lc.stage = stageConnected
		return rc, nil
	default:
		return nil, nil
	}
}

func (lc *ListenComm) onConnArrived() error {
	m := *lc.pendingConn
	lc.pendingConn = nil

	ep := lc.ep
	id, err := ep.allocCommID()
	if err != nil {
		return err
	}
	rc := &ReceiveComm{
		ep: ep, logger: ep.logger, localID: id, remote: m.localCommID,
		rails: ep.rails, reqs: newRequestPool(recvRequestFreelistSize),
		maxInflight: maxInflightDefault,
		inflight:    make(map[uint16]*Request),
	}
	for i := 0; i < int(m.numRails) && i < len(rc.rails); i++ {
		if err := rc.rails[i].insertRemote(m.endpointNames[i][:]); err != nil {
			return newErr("Accept", KindSystem, err)
		}
	}
	gdr, err := ep.device.resolveGDR()
	if err != nil {
		return err
	}
	rc.gdr = gdr
	if gdr == Supported {
		buf, err := internal.AllocPages(internal.PageSize)
		if err != nil {
			return newErr("Accept", KindSystem, err)
		}
		rc.flushBuf = buf
	}
	ep.registerRecv(id, rc)

	resp := connMsg{typ: msgConnResp, localCommID: id, remoteCommID: m.localCommID, numRails: uint16(len(rc.rails))}
	for i, r := range rc.rails {
		name, err := r.name()
		if err != nil {
			return newErr("Accept", KindSystem, err)
		}
		copy(resp.endpointNames[i][:], name)
	}
	req, err := rc.reqs.alloc(KindSendConnResp)
	if err != nil {
		return err
	}
	req.conn = &connData{msg: resp}
	req.totalCompls = 1
	req.State = StatePending
	if err := rc.rails[0].ep.Send(resp.marshal(), rc.rails[0].remoteAddr, req); err != nil {
		req.release(req)
		if isFabricAgain(err) {
			return nil
		}
		return newErr("Accept", classifyFabricErr(err), err)
	}
	lc.building = rc
	lc.connRespReq = req
	lc.stage = stageConnRespReqPending
	return nil
}

// CloseSend refuses to proceed while requests remain inflight, per the
// no-cancellation invariant.
func (sc *SendComm) CloseSend() error {
	if sc.numInflight > 0 {
		return newErr("CloseSend", KindInvalidArgument, ErrCloseWithInflight)
	}
	sc.ep.freeCommID(sc.localID)
	return nil
}

// CloseRecv refuses to proceed while requests remain inflight.
func (rc *ReceiveComm) CloseRecv() error {
	if rc.numInflight > 0 {
		return newErr("CloseRecv", KindInvalidArgument, ErrCloseWithInflight)
	}
	if rc.flushBuf != nil {
		internal.FreePages(rc.flushBuf)
	}
	rc.ep.freeCommID(rc.localID)
	return nil
}

// CloseListen releases a listen communicator's id. It is always safe since
// a listen-comm never carries inflight data requests.
func (lc *ListenComm) CloseListen() error {
	lc.ep.freeCommID(lc.id)
	return nil
}
