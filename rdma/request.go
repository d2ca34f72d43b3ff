package rdma

import (
	"sync"

	"github.com/railfabric/rdmatransport/fabric"
	"github.com/railfabric/rdmatransport/internal"
	"github.com/railfabric/rdmatransport/sched"
)

// RequestKind tags which of the request variants a Request carries, the
// sum-type discriminant in place of the source's tagged struct.
type RequestKind uint8

const (
	KindSend RequestKind = iota
	KindRecv
	KindSendCtrl
	KindRecvSegms
	KindEagerCopy
	KindFlush
	KindBounce
	KindSendConn
	KindRecvConn
	KindSendConnResp
	KindRecvConnResp
)

func (k RequestKind) String() string {
	names := [...]string{"SEND", "RECV", "SEND_CTRL", "RECV_SEGMS", "EAGER_COPY", "FLUSH", "BOUNCE", "SEND_CONN", "RECV_CONN", "SEND_CONN_RESP", "RECV_CONN_RESP"}
	if int(k) < len(names) {
		return names[k]
	}
	return "UNKNOWN"
}

// State is a request's lifecycle stage: CREATED -> PENDING -> COMPLETED or
// ERROR. Only BOUNCE ever leaves a terminal state, by being recycled back to
// CREATED on repost.
type State uint8

const (
	StateCreated State = iota
	StatePending
	StateCompleted
	StateError
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StatePending:
		return "PENDING"
	case StateCompleted:
		return "COMPLETED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// sendData is the SEND variant payload.
type sendData struct {
	schedule     []sched.Segment
	xferredRail  int
	haveCtrl     bool
	remoteAddr   uint64
	remoteKeys   [MaxRails]uint64
	immediate    uint32
	buf          []byte
	localMRDescs []uint64
}

// recvData is the RECV variant payload: the parent owning SEND_CTRL,
// RECV_SEGMS, and (if eager) EAGER_COPY sub-requests.
type recvData struct {
	buf          []byte
	mrKey        fabric.MRKey
	hasMRKey     bool
	sendCtrl     *Request
	recvSegms    *Request
	eagerCopy    *Request
	eagerArrived bool
}

// ctrlData is the SEND_CTRL variant payload.
type ctrlData struct {
	msg ctrlMsg
}

// segmsData is the RECV_SEGMS variant payload: accumulates arriving write
// segments until the expected count (decoded from the first segment's
// immediate) is reached.
type segmsData struct {
	expectedSegments uint8
	arrivedSegments  uint8
}

// eagerCopyData is the EAGER_COPY variant payload: an RDMA-read from a
// bounce payload into the user's receive buffer.
type eagerCopyData struct {
	srcBuf []byte
	dstBuf []byte
}

// flushData is the FLUSH variant payload.
type flushData struct {
	flushBuf []byte
	skipped  bool
}

// bounceData is the BOUNCE variant payload: the posted ANY_SRC receive and
// its pool bookkeeping for repost/release.
type bounceData struct {
	rail   int
	reqIdx uint32
	payIdx uint32
	buf    []byte
}

// connData is the SEND_CONN/RECV_CONN/SEND_CONN_RESP/RECV_CONN_RESP variant
// payload.
type connData struct {
	msg connMsg
}

// Request is the polymorphic request object: one concrete struct carrying
// exactly one variant payload selected by Kind, plus the shared lifecycle
// state every kind needs (lock, state, completion counters, pending-queue
// link). Sub-requests reference their parent by pointer (back-reference,
// per the Design Notes) but are owned and freed transitively by it.
type Request struct {
	mu sync.Mutex

	Kind  RequestKind
	State State
	Err   error

	DeviceID int
	CommID   uint32
	Seq      uint16

	size        int
	numCompls   int
	totalCompls int

	pendingLink internal.DequeLink[Request]

	parent *Request

	send   *sendData
	recv   *recvData
	ctrl   *ctrlData
	segms  *segmsData
	eager  *eagerCopyData
	flush  *flushData
	bounce *bounceData
	conn   *connData

	// ep is the owning endpoint, used by [Test] to drive one progress round
	// before reading a not-yet-terminal request's state. Unset for requests
	// that are polled directly (the connection handshake's SEND_CONN and
	// SEND_CONN_RESP).
	ep *Endpoint

	// retry re-issues a request that last failed to post with ErrAgain; set
	// by whichever post call enqueued it onto the pending deque.
	retry func(*Request) error

	// advance runs once a request reaches a terminal state and [Test] has
	// reported it: it clears the owning communicator's sequence-number
	// bookkeeping (message-buffer slot, inflight map, inflight counter).
	advance func(*Request)

	release func(*Request)
}

func (r *Request) Link() *internal.DequeLink[Request] { return &r.pendingLink }

// addCompletion records n more of the expected completions arriving under
// the request lock, transitioning to COMPLETED once totalCompls is reached.
// Returns true if this call caused the terminal transition.
func (r *Request) addCompletion(n, bytes int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State == StateError || r.State == StateCompleted {
		return false
	}
	r.numCompls += n
	r.size += bytes
	if r.numCompls >= r.totalCompls {
		r.State = StateCompleted
		return true
	}
	return false
}

// fail transitions the request to ERROR under lock; idempotent once
// terminal.
func (r *Request) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.State == StateCompleted || r.State == StateError {
		return
	}
	r.State = StateError
	r.Err = err
}

// snapshot reads state/size/err under lock, for Test.
func (r *Request) snapshot() (State, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State, r.size, r.Err
}

// setSegmentTotal records the expected RECV_SEGMS segment count on its first
// arrival, decoded from the arriving write's immediate data; later arrivals
// leave it unchanged. Distinct from addCompletion so the progress engine
// never takes the request lock twice for one arrival.
func (r *Request) setSegmentTotal(n uint8) {
	r.mu.Lock()
	if r.segms.expectedSegments == 0 {
		r.segms.expectedSegments = n
		r.totalCompls = int(n)
	}
	r.segms.arrivedSegments++
	r.mu.Unlock()
}

// Test reports whether req has reached a terminal state, progressing its
// endpoint's completion queues first if not. On completion it advances the
// owning communicator's bookkeeping and returns the request to its freelist;
// callers must not touch req again afterward.
func Test(req *Request) (done bool, size int, err error) {
	state, size, err := req.snapshot()
	if state != StateCompleted && state != StateError {
		if req.ep != nil {
			if perr := req.ep.progress(); perr != nil {
				return false, 0, perr
			}
		}
		state, size, err = req.snapshot()
	}
	switch state {
	case StateCompleted:
		if req.advance != nil {
			req.advance(req)
		}
		if req.release != nil {
			req.release(req)
		}
		return true, size, nil
	case StateError:
		return false, 0, err
	default:
		return false, 0, nil
	}
}

// requestPool is a fixed-capacity allocator of *Request, the freelist named
// in the data model ("16-entry request freelist" on a send-comm; the same
// shape is reused for receive-comm and listen-comm request pools).
type requestPool struct {
	free *internal.FreeList[Request]
}

func newRequestPool(capacity int) *requestPool {
	return &requestPool{free: internal.NewFreeList[Request](capacity)}
}

// alloc checks out a Request, resets it to CREATED for kind, and wires its
// release callback to return the slot to this pool.
func (p *requestPool) alloc(kind RequestKind) (*Request, error) {
	idx, r, err := p.free.Get()
	if err != nil {
		return nil, newErr("alloc", KindResourceExhaustion, err)
	}
	*r = Request{Kind: kind, State: StateCreated}
	r.release = func(rr *Request) { p.free.Put(idx) }
	return r, nil
}

func (p *requestPool) len() int { return p.free.Len() }

func (p *requestPool) cap() int { return p.free.Cap() }
