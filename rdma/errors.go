package rdma

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Kind classifies a request or call error into the categories the external
// API's enum distinguishes; it is the thing the shim boundary maps to and
// from, not a Go-specific concept.
type Kind uint8

const (
	// KindInvalidArgument covers bad comm ids, a wrong request type
	// occupying a slot, an oversize group recv, null pointers, or an
	// unrecognized PROTOCOL value.
	KindInvalidArgument Kind = iota
	// KindResourceExhaustion covers an empty freelist or id pool, or
	// exceeding the per-communicator inflight limit.
	KindResourceExhaustion
	// KindRemote covers a peer-reachability failure: connection aborted,
	// reset, refused, not connected, or the host unreachable/down.
	KindRemote
	// KindSystem covers everything else the fabric reports, and any
	// internal consistency violation not covered by KindFatalProtocol.
	KindSystem
	// KindFatalProtocol covers a bounce-buffer receive error, an
	// unrecognized completion-flag combination, or a schedule with an
	// unexpected transfer count for a control message. The endpoint that
	// produced it may no longer be usable.
	KindFatalProtocol
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindRemote:
		return "remote"
	case KindSystem:
		return "system"
	case KindFatalProtocol:
		return "fatal_protocol"
	default:
		return "unknown"
	}
}

// Error is the error type every request-terminal and synchronous-call
// failure is reported as.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rdma: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("rdma: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

var (
	// ErrInvalidCommID is returned when a communicator id does not name a
	// live communicator on the calling endpoint.
	ErrInvalidCommID = errors.New("rdma: invalid communicator id")
	// ErrWrongRequestKind is returned when a message-buffer slot holds a
	// request of a kind the current operation did not expect.
	ErrWrongRequestKind = errors.New("rdma: unexpected request kind in message-buffer slot")
	// ErrTooManyRecvs is returned when a scatter-array recv names more
	// than one buffer; the RDMA core only implements n == 1.
	ErrTooManyRecvs = errors.New("rdma: scatter-array recv with n > 1 not supported")
	// ErrInflightLimit is returned when a communicator is already at its
	// configured inflight-request maximum.
	ErrInflightLimit = errors.New("rdma: inflight request limit reached")
	// ErrCloseWithInflight is returned by close when inflight requests
	// remain outstanding.
	ErrCloseWithInflight = errors.New("rdma: cannot close communicator with requests in flight")
	// ErrNotConnected is returned by send/recv on a communicator that has
	// not completed its handshake.
	ErrNotConnected = errors.New("rdma: communicator not connected")
)

// remoteErrnos are the fabric-reported conditions mapped to KindRemote, per
// the error-mapping design note: connection aborted/reset/refused, not
// connected, host down/unreachable. EINVAL maps to KindInvalidArgument
// instead; everything else falls through to KindSystem.
var remoteErrnos = map[error]bool{
	unix.ECONNABORTED: true,
	unix.ECONNRESET:   true,
	unix.ECONNREFUSED: true,
	unix.ENOTCONN:     true,
	unix.EHOSTDOWN:    true,
	unix.EHOSTUNREACH: true,
}

// classifyFabricErr maps a raw fabric-layer error to a Kind, preserving the
// documented mapping: the named peer-reachability errnos become KindRemote,
// EINVAL becomes KindInvalidArgument, everything else is KindSystem.
func classifyFabricErr(err error) Kind {
	if err == nil {
		return KindSystem
	}
	if errors.Is(err, unix.EINVAL) {
		return KindInvalidArgument
	}
	for errno := range remoteErrnos {
		if errors.Is(err, errno) {
			return KindRemote
		}
	}
	return KindSystem
}
