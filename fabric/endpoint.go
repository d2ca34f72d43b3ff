package fabric

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// Address is an address-vector-resolved handle to a peer endpoint, the
// software analogue of an fi_addr_t.
type Address uint64

// postedRecv is one outstanding recv(ANY_SRC) posted by the caller, waiting
// to be satisfied by an inbound SEND/SEND_IMM datagram.
type postedRecv struct {
	buf []byte
	ctx any
}

type pendingRead struct {
	buf []byte
	ctx any
}

// Endpoint is a single rail's network endpoint: one non-blocking UDP socket,
// an address vector resolving peer handles to socket addresses, and the
// bookkeeping needed to emulate one-sided write/read over a two-sided
// datagram socket.
type Endpoint struct {
	dom *Domain
	fd  int

	mu           sync.Mutex
	av           []unix.SockaddrInet4
	recvQ        []postedRecv
	pendingReads map[uint64]pendingRead
	nextReqID    uint64
	localCQ      []CQEntry
	errQ         []CQErrEntry

	// maxInflightUnacked bounds the number of posted sends/writes/reads
	// awaiting their local "departed the NIC" completion before further
	// posts return ErrAgain, modeling fabric-level backpressure. Zero means
	// unbounded.
	maxInflightUnacked int
	inflightUnacked     int
}

// OpenEndpoint creates a non-blocking UDP-backed endpoint bound to cfg.BindAddr.
func (d *Domain) OpenEndpoint(cfg EndpointConfig) (*Endpoint, error) {
	addr := cfg.BindAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ua, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: ua.Port}
	copy(sa.Addr[:], ua.IP.To4())
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &Endpoint{dom: d, fd: fd, pendingReads: make(map[uint64]pendingRead)}, nil
}

// SetMaxInflightUnacked configures the synthetic backpressure threshold; see
// the maxInflightUnacked field doc.
func (ep *Endpoint) SetMaxInflightUnacked(n int) {
	ep.mu.Lock()
	ep.maxInflightUnacked = n
	ep.mu.Unlock()
}

// Name returns this endpoint's bound address serialized as 4 bytes IPv4 +
// 2 bytes port (little-endian port), the wire form carried in CONN/CONN_RESP
// messages' endpoint_name fields.
func (ep *Endpoint) Name() ([]byte, error) {
	sa, err := unix.Getsockname(ep.fd)
	if err != nil {
		return nil, err
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, errors.New("fabric: unexpected sockaddr family")
	}
	b := make([]byte, 6)
	copy(b[:4], in4.Addr[:])
	binary.LittleEndian.PutUint16(b[4:6], uint16(in4.Port))
	return b, nil
}

// AVInsert resolves a peer's serialized endpoint name (as returned by
// [Endpoint.Name]) into an Address usable by the send/write/read verbs.
func (ep *Endpoint) AVInsert(name []byte) (Address, error) {
	if len(name) != 6 {
		return 0, errors.New("fabric: malformed endpoint name")
	}
	var sa unix.SockaddrInet4
	copy(sa.Addr[:], name[:4])
	sa.Port = int(binary.LittleEndian.Uint16(name[4:6]))
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.av = append(ep.av, sa)
	return Address(len(ep.av) - 1), nil
}

func (ep *Endpoint) resolveAV(dest Address) (unix.SockaddrInet4, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if int(dest) >= len(ep.av) {
		return unix.SockaddrInet4{}, errors.New("fabric: unknown address")
	}
	return ep.av[dest], nil
}

func (ep *Endpoint) Close() error {
	return unix.Close(ep.fd)
}

// admitSend checks and reserves a slot in the synthetic backpressure window,
// returning ErrAgain if full.
func (ep *Endpoint) admitSend() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.maxInflightUnacked > 0 && ep.inflightUnacked >= ep.maxInflightUnacked {
		return ErrAgain
	}
	ep.inflightUnacked++
	return nil
}

func (ep *Endpoint) releaseSend() {
	ep.mu.Lock()
	if ep.inflightUnacked > 0 {
		ep.inflightUnacked--
	}
	ep.mu.Unlock()
}

func (ep *Endpoint) sendto(buf []byte, dest Address) error {
	sa, err := ep.resolveAV(dest)
	if err != nil {
		return err
	}
	err = unix.Sendto(ep.fd, buf, 0, &sa)
	if isAgain(err) {
		return ErrAgain
	}
	return err
}

// Send posts a two-sided send with no immediate data, consumed by the
// peer's next posted Recv.
func (ep *Endpoint) Send(buf []byte, dest Address, ctx any) error {
	if err := ep.admitSend(); err != nil {
		return err
	}
	wire := header{op: opSend}.append(make([]byte, 0, headerSize+len(buf)))
	wire = append(wire, buf...)
	if err := ep.sendto(wire, dest); err != nil {
		ep.releaseSend()
		return err
	}
	ep.pushLocalCQ(CQEntry{Context: ctx, Flags: FlagSend, Len: len(buf)})
	return nil
}

// SendImm posts a two-sided send carrying 32 bits of immediate data; the
// peer observes it via a Recv completion with FlagRemoteCQData set.
func (ep *Endpoint) SendImm(buf []byte, imm uint32, dest Address, ctx any) error {
	if err := ep.admitSend(); err != nil {
		return err
	}
	wire := header{op: opSendImm, immediate: imm}.append(make([]byte, 0, headerSize+len(buf)))
	wire = append(wire, buf...)
	if err := ep.sendto(wire, dest); err != nil {
		ep.releaseSend()
		return err
	}
	ep.pushLocalCQ(CQEntry{Context: ctx, Flags: FlagSend, Len: len(buf)})
	return nil
}

// Recv posts a receive buffer to be filled by the next inbound Send/SendImm
// from any source (ANY_SRC, the only mode the verbs surface exposes).
func (ep *Endpoint) Recv(buf []byte, ctx any) error {
	ep.mu.Lock()
	ep.recvQ = append(ep.recvQ, postedRecv{buf: buf, ctx: ctx})
	ep.mu.Unlock()
	return nil
}

// WriteImm RDMA-writes buf into the peer's registered memory at
// (remoteKey, remoteOffset) and delivers imm to the peer's CQ tagged with
// FlagRemoteWrite; no action is required on the peer to post a matching
// receive.
func (ep *Endpoint) WriteImm(buf []byte, imm uint32, dest Address, remoteOffset uint64, remoteKey MRKey, ctx any) error {
	if err := ep.admitSend(); err != nil {
		return err
	}
	wire := header{op: opWriteImm, immediate: imm, mrKey: remoteKey, offset: remoteOffset}.append(make([]byte, 0, headerSize+len(buf)))
	wire = append(wire, buf...)
	if err := ep.sendto(wire, dest); err != nil {
		ep.releaseSend()
		return err
	}
	ep.pushLocalCQ(CQEntry{Context: ctx, Flags: FlagWrite, Len: len(buf)})
	return nil
}

// Read RDMA-reads length bytes from the peer's registered memory at
// (remoteKey, remoteOffset) into buf; completion (FlagRead) fires once the
// peer's response is observed on a later CQRead call.
func (ep *Endpoint) Read(buf []byte, src Address, remoteOffset uint64, remoteKey MRKey, ctx any) error {
	if err := ep.admitSend(); err != nil {
		return err
	}
	ep.mu.Lock()
	reqID := ep.nextReqID
	ep.nextReqID++
	ep.pendingReads[reqID] = pendingRead{buf: buf, ctx: ctx}
	ep.mu.Unlock()

	h := header{op: opReadReq, mrKey: remoteKey, offset: remoteOffset, reqID: reqID}
	wire := h.append(make([]byte, 0, headerSize+8))
	wire = binary.LittleEndian.AppendUint64(wire, uint64(len(buf)))
	if err := ep.sendto(wire, src); err != nil {
		ep.mu.Lock()
		delete(ep.pendingReads, reqID)
		ep.mu.Unlock()
		ep.releaseSend()
		return err
	}
	return nil
}

func (ep *Endpoint) pushLocalCQ(e CQEntry) {
	ep.mu.Lock()
	ep.localCQ = append(ep.localCQ, e)
	ep.mu.Unlock()
}
