// Package msgbuf implements the message buffer: a fixed-capacity sliding
// window keyed by a 10-bit sequence number that reconciles unordered
// arrivals of control/eager messages with receiver/sender posts for the same
// sequence number.
package msgbuf

import (
	"errors"
	"sync"
)

// Window is the message buffer's slot count. It must divide 1024 (2^10) so
// that sequence numbers alias onto it without ambiguity; the spec fixes it
// at 256, strictly less than the 10-bit sequence space.
const Window = 256

// ElemType distinguishes what occupies a slot.
type ElemType uint8

const (
	// ElemNone marks an empty/NotStarted slot.
	ElemNone ElemType = iota
	// ElemBuffer is an unsolicited incoming message (ctrl/eager) awaiting a
	// local post for the same sequence number.
	ElemBuffer
	// ElemRequest is a local post (send/recv) awaiting its counterpart
	// arrival for the same sequence number.
	ElemRequest
)

func (t ElemType) String() string {
	switch t {
	case ElemBuffer:
		return "buffer"
	case ElemRequest:
		return "request"
	default:
		return "none"
	}
}

// Status is a slot's lifecycle state.
type Status uint8

const (
	NotStarted Status = iota
	InProgress
	Complete
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in-progress"
	case Complete:
		return "complete"
	default:
		return "not-started"
	}
}

// ErrInvalidIdx is returned by [Buffer.Insert] when the slot is not
// NotStarted: either the peer beat the caller to it (status InProgress,
// different element type — caller should [Buffer.Replace]) or this is a
// programming-error duplicate (status InProgress, same element type).
var ErrInvalidIdx = errors.New("msgbuf: invalid index")

// ErrNotInProgress is returned by [Buffer.Replace] and [Buffer.Complete] when
// the targeted slot is not InProgress.
var ErrNotInProgress = errors.New("msgbuf: slot not in-progress")

type slot struct {
	status Status
	typ    ElemType
	ptr    any
}

// Buffer is a fixed-capacity sliding window of Window slots, indexed by
// seq mod Window. It is safe for concurrent use.
type Buffer struct {
	mu    sync.Mutex
	slots [Window]slot
}

func idx(seq uint16) uint16 { return seq % Window }

// Insert claims slot seq for typ/ptr, transitioning NotStarted->InProgress.
// It returns ErrInvalidIdx if the slot was not NotStarted; in that case
// outType/outStatus describe what is already there so the caller can decide
// between [Buffer.Replace] (different side got there first) and treating a
// same-type collision as a programming error.
func (b *Buffer) Insert(seq uint16, ptr any, typ ElemType) (outStatus Status, outType ElemType, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[idx(seq)]
	if s.status != NotStarted {
		return s.status, s.typ, ErrInvalidIdx
	}
	s.status = InProgress
	s.typ = typ
	s.ptr = ptr
	return InProgress, typ, nil
}

// Replace overwrites an InProgress slot's element without changing its
// status. It fails with [ErrNotInProgress] if the slot is not InProgress.
func (b *Buffer) Replace(seq uint16, ptr any, typ ElemType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[idx(seq)]
	if s.status != InProgress {
		return ErrNotInProgress
	}
	s.typ = typ
	s.ptr = ptr
	return nil
}

// Retrieve returns the element, its type, and the slot's status without
// modifying any state.
func (b *Buffer) Retrieve(seq uint16) (ptr any, typ ElemType, status Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[idx(seq)]
	return s.ptr, s.typ, s.status
}

// Complete transitions an InProgress slot to Complete. It fails with
// [ErrNotInProgress] if the slot is not InProgress.
func (b *Buffer) Complete(seq uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slots[idx(seq)]
	if s.status != InProgress {
		return ErrNotInProgress
	}
	s.status = Complete
	return nil
}

// Advance resets a Complete slot back to NotStarted so the window can be
// reused for seq+Window. Calling it on a slot that is not Complete is a
// caller bug (there is nothing to slide past yet).
func (b *Buffer) Advance(seq uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[idx(seq)] = slot{}
}
