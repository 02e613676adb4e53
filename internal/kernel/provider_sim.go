// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"sync"
	"syscall"
	"time"

	"grimm.is/nfqengine/internal/errors"
)

// DefaultRmemMax mirrors the stock net.core.rmem_max.
const DefaultRmemMax = 212992

// SimKernel is a stateful in-memory queue subsystem. Injected packets are
// rendered to real nfnetlink messages, so the wire codec and the dispatch
// path are the same ones used against Linux. Every operation is recorded
// and can be made to fail.
type SimKernel struct {
	// RmemMax caps SO_RCVBUF like net.core.rmem_max; <= 0 means no cap.
	RmemMax int

	// Failure injection, returned by the matching operation when non-nil.
	OpenErr    error
	UnbindErr  error
	BindErr    error
	CreateErr  error
	ModeErr    error
	MaxLenErr  error
	VerdictErr error

	// Now stamps injected packets.
	Now func() time.Time

	mu      sync.Mutex
	calls   SimCalls
	backlog []*Packet
	recvErr error
	nextID  uint32
	current *simHandle

	notify   chan struct{}
	verdicts chan struct{}
}

// SimCalls is a snapshot of everything the simulated kernel was asked to do.
type SimCalls struct {
	Opens          int
	Unbinds        int
	Binds          int
	Creates        int
	Destroys       int
	Closes         int
	Receives       int
	Modes          []SimModeCall
	MaxLens        []uint32
	Timeouts       []time.Duration
	BufferRequests []int
	Verdicts       []SimVerdict
	Overflows      int // packets dropped because the queue was full
}

// SimModeCall records one SetMode call.
type SimModeCall struct {
	Queue uint16
	Mode  CopyMode
	Range uint32
}

// SimVerdict records one verdict.
type SimVerdict struct {
	Queue   uint16
	ID      uint32
	Verdict Verdict
	Payload []byte
}

// NewSimKernel creates a simulated kernel with the stock rmem_max.
func NewSimKernel() *SimKernel {
	return &SimKernel{
		RmemMax:  DefaultRmemMax,
		Now:      time.Now,
		notify:   make(chan struct{}, 1),
		verdicts: make(chan struct{}, 1),
	}
}

// Open returns a new handle, or OpenErr.
func (s *SimKernel) Open() (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	s.calls.Opens++
	h := &simHandle{k: s, disp: newDispatcher()}
	s.current = h
	return h, nil
}

// Calls returns a copy of the recorded operations.
func (s *SimKernel) Calls() SimCalls {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.calls
	c.Modes = append([]SimModeCall(nil), s.calls.Modes...)
	c.MaxLens = append([]uint32(nil), s.calls.MaxLens...)
	c.Timeouts = append([]time.Duration(nil), s.calls.Timeouts...)
	c.BufferRequests = append([]int(nil), s.calls.BufferRequests...)
	c.Verdicts = append([]SimVerdict(nil), s.calls.Verdicts...)
	return c
}

// Inject queues payload as a new IPv4 packet at LOCAL_IN and returns its id.
func (s *SimKernel) Inject(payload []byte) uint32 {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	ts := s.Now()
	s.mu.Unlock()

	s.InjectPacket(&Packet{
		Header:    &PacketHeader{ID: id, HWProtocol: 0x0800, Hook: 1},
		Timestamp: &ts,
		Payload:   payload,
	})
	return id
}

// InjectPacket queues pkt as-is, including packets without a header.
// Packets beyond the queue's max length are dropped, as the kernel does.
func (s *SimKernel) InjectPacket(pkt *Packet) {
	s.mu.Lock()
	if h := s.current; h != nil && h.queue != nil && h.queue.maxLen > 0 &&
		uint32(len(s.backlog)) >= h.queue.maxLen {
		s.calls.Overflows++
		s.mu.Unlock()
		return
	}
	s.backlog = append(s.backlog, pkt)
	s.mu.Unlock()
	s.wake()
}

// FailReceive makes the next Receive after the backlog drained return err.
func (s *SimKernel) FailReceive(err error) {
	s.mu.Lock()
	s.recvErr = err
	s.mu.Unlock()
	s.wake()
}

// Pending reports the number of packets not yet delivered.
func (s *SimKernel) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// WaitVerdicts blocks until at least n verdicts were issued or timeout elapsed.
func (s *SimKernel) WaitVerdicts(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		got := len(s.calls.Verdicts)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-s.verdicts:
		case <-deadline.C:
			return false
		}
	}
}

func (s *SimKernel) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

type simHandle struct {
	k       *SimKernel
	disp    *dispatcher
	queue   *simQueue
	timeout time.Duration
	closed  bool
}

func (h *simHandle) UnbindPF(family uint16) error {
	h.k.mu.Lock()
	defer h.k.mu.Unlock()
	h.k.calls.Unbinds++
	return h.k.UnbindErr
}

func (h *simHandle) BindPF(family uint16) error {
	h.k.mu.Lock()
	defer h.k.mu.Unlock()
	if h.k.BindErr != nil {
		return h.k.BindErr
	}
	h.k.calls.Binds++
	return nil
}

func (h *simHandle) CreateQueue(num uint16, cb Callback) (Queue, error) {
	h.k.mu.Lock()
	if h.k.CreateErr != nil {
		err := h.k.CreateErr
		h.k.mu.Unlock()
		return nil, err
	}
	if h.queue != nil {
		h.k.mu.Unlock()
		return nil, errors.Wrapf(syscall.EBUSY, errors.KindConflict, "queue %d already bound", num)
	}
	h.k.calls.Creates++
	q := &simQueue{h: h, num: num, mode: CopyPacket, rng: 0xffff}
	h.queue = q
	h.k.mu.Unlock()

	h.disp.add(q, cb)
	h.k.wake()
	return q, nil
}

func (h *simHandle) Socket() Socket { return simSocket{h: h} }

func (h *simHandle) HandlePacket(buf []byte) error {
	return h.disp.dispatch(buf)
}

func (h *simHandle) Close() error {
	h.k.mu.Lock()
	defer h.k.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.k.calls.Closes++
	if h.k.current == h {
		h.k.current = nil
	}
	return nil
}

type simQueue struct {
	h         *simHandle
	num       uint16
	mode      CopyMode
	rng       uint32
	maxLen    uint32
	destroyed bool
}

func (q *simQueue) Num() uint16 { return q.num }

func (q *simQueue) SetMode(mode CopyMode, rng uint32) error {
	k := q.h.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ModeErr != nil {
		return k.ModeErr
	}
	if mode > CopyPacket {
		return errors.Wrapf(syscall.EINVAL, errors.KindValidation, "copy mode %d", mode)
	}
	k.calls.Modes = append(k.calls.Modes, SimModeCall{Queue: q.num, Mode: mode, Range: rng})
	q.mode, q.rng = mode, rng
	return nil
}

func (q *simQueue) SetMaxLen(n uint32) error {
	k := q.h.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.MaxLenErr != nil {
		return k.MaxLenErr
	}
	k.calls.MaxLens = append(k.calls.MaxLens, n)
	q.maxLen = n
	return nil
}

func (q *simQueue) SetVerdict(id uint32, v Verdict) error {
	return q.SetVerdictWithPayload(id, v, nil)
}

func (q *simQueue) SetVerdictWithPayload(id uint32, v Verdict, payload []byte) error {
	k := q.h.k
	k.mu.Lock()
	if q.destroyed {
		k.mu.Unlock()
		return errors.Wrapf(syscall.ENOENT, errors.KindNotFound, "queue %d destroyed", q.num)
	}
	if k.VerdictErr != nil {
		err := k.VerdictErr
		k.mu.Unlock()
		return err
	}
	k.calls.Verdicts = append(k.calls.Verdicts, SimVerdict{
		Queue:   q.num,
		ID:      id,
		Verdict: v,
		Payload: append([]byte(nil), payload...),
	})
	k.mu.Unlock()

	select {
	case k.verdicts <- struct{}{}:
	default:
	}
	return nil
}

func (q *simQueue) Destroy() error {
	k := q.h.k
	k.mu.Lock()
	q.destroyed = true
	q.h.queue = nil
	k.calls.Destroys++
	k.mu.Unlock()

	q.h.disp.remove(q.num)
	return nil
}

type simSocket struct {
	h *simHandle
}

func (s simSocket) SetReceiveTimeout(d time.Duration) error {
	k := s.h.k
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls.Timeouts = append(k.calls.Timeouts, d)
	s.h.timeout = d
	return nil
}

func (s simSocket) SetReceiveBuffer(bytes int) error {
	k := s.h.k
	k.mu.Lock()
	defer k.mu.Unlock()
	k.calls.BufferRequests = append(k.calls.BufferRequests, bytes)
	return nil
}

// ReceiveBuffer reports twice the granted size, capped by RmemMax, like Linux.
func (s simSocket) ReceiveBuffer() (int, error) {
	k := s.h.k
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.calls.BufferRequests) == 0 {
		return k.RmemMax, nil
	}
	granted := k.calls.BufferRequests[len(k.calls.BufferRequests)-1]
	if k.RmemMax > 0 && granted > k.RmemMax {
		granted = k.RmemMax
	}
	return granted * 2, nil
}

// Receive packs as many pending packets as fit into buf. Without data it
// waits for the receive timeout and returns ErrNoData.
func (s simSocket) Receive(buf []byte) (int, error) {
	k := s.h.k
	k.mu.Lock()
	k.calls.Receives++
	timeout := s.h.timeout
	k.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		n, ok, err := s.tryReceive(buf)
		if ok {
			return n, err
		}
		select {
		case <-k.notify:
		case <-timer:
			return 0, ErrNoData
		}
	}
}

func (s simSocket) tryReceive(buf []byte) (int, bool, error) {
	k := s.h.k
	k.mu.Lock()
	defer k.mu.Unlock()

	if s.h.closed {
		return 0, true, errors.Wrap(syscall.EBADF, errors.KindUnavailable, "receive on closed handle")
	}
	q := s.h.queue
	if q != nil && len(k.backlog) > 0 {
		n := 0
		for len(k.backlog) > 0 {
			m, err := encodePacket(q.num, k.backlog[0], q.mode, q.rng)
			if err != nil {
				return n, true, err
			}
			b, err := m.MarshalBinary()
			if err != nil {
				return n, true, err
			}
			if n+len(b) > len(buf) {
				if n == 0 {
					// Oversized message: deliver it truncated, like MSG_TRUNC.
					n = copy(buf, b)
					k.backlog = k.backlog[1:]
				}
				break
			}
			n += copy(buf[n:], b)
			k.backlog = k.backlog[1:]
		}
		return n, true, nil
	}
	if k.recvErr != nil {
		err := k.recvErr
		k.recvErr = nil
		return 0, true, err
	}
	return 0, false, nil
}
