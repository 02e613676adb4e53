// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/logging"
)

// LinuxKernel implements Kernel with a raw NETLINK_NETFILTER socket.
type LinuxKernel struct {
	logger *logging.Logger
}

// NewLinuxKernel creates a new Linux kernel provider.
func NewLinuxKernel(logger *logging.Logger) *LinuxKernel {
	if logger == nil {
		logger = logging.WithComponent("kernel")
	}
	return &LinuxKernel{logger: logger}
}

// Open creates and binds the netlink socket. The socket stays blocking so
// that SO_RCVTIMEO governs Receive.
func (k *LinuxKernel) Open() (Handle, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_NETFILTER)
	if err != nil {
		return nil, wrapErrno(err, "open netlink socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, wrapErrno(err, "bind netlink socket")
	}

	var pid uint32
	if sa, err := unix.Getsockname(fd); err == nil {
		if nl, ok := sa.(*unix.SockaddrNetlink); ok {
			pid = nl.Pid
		}
	}

	k.logger.Debug("Opened netlink socket", "fd", fd, "portid", pid)
	return &linuxHandle{
		fd:     fd,
		pid:    pid,
		disp:   newDispatcher(),
		logger: k.logger,
	}, nil
}

type linuxHandle struct {
	fd     int
	pid    uint32
	seq    atomic.Uint32
	disp   *dispatcher
	logger *logging.Logger

	// serializes request/ack exchanges
	mu     sync.Mutex
	closed bool
}

func (h *linuxHandle) UnbindPF(family uint16) error {
	return h.config(0, cfgCmdPFUnbind, family)
}

func (h *linuxHandle) BindPF(family uint16) error {
	return h.config(0, cfgCmdPFBind, family)
}

func (h *linuxHandle) CreateQueue(num uint16, cb Callback) (Queue, error) {
	if err := h.config(num, cfgCmdBind, 0); err != nil {
		return nil, errors.Attr(err, "queue", num)
	}
	q := &linuxQueue{h: h, num: num}
	h.disp.add(q, cb)
	return q, nil
}

func (h *linuxHandle) Socket() Socket { return linuxSocket{fd: h.fd} }

func (h *linuxHandle) HandlePacket(buf []byte) error {
	return h.disp.dispatch(buf)
}

func (h *linuxHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return wrapErrno(unix.Close(h.fd), "close netlink socket")
}

func (h *linuxHandle) config(resID uint16, cmd uint8, pf uint16) error {
	attrs, err := encodeConfigCmd(cmd, pf)
	if err != nil {
		return err
	}
	return h.request(newQueueMessage(nfqnlMsgConfig, netlink.Request|netlink.Acknowledge, unix.AF_UNSPEC, resID, attrs))
}

// request sends m and waits for its acknowledgement. Queue packets that
// arrive meanwhile are dispatched like any other.
func (h *linuxHandle) request(m netlink.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New(errors.KindUnavailable, "netlink handle closed")
	}

	m.Header.Sequence = h.seq.Add(1)
	m.Header.PID = h.pid
	if err := h.send(m); err != nil {
		return err
	}

	buf := make([]byte, PacketMaxSize+PacketOverhead)
	for {
		n, _, err := unix.Recvfrom(h.fd, buf, 0)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return wrapErrno(err, "receive netlink ack")
		}
		msgs, err := splitMessages(buf[:n])
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "parse netlink ack")
		}
		for _, reply := range msgs {
			if reply.Header.Type == netlink.Error && reply.Header.Sequence == m.Header.Sequence {
				return wrapErrno(decodeAck(reply), "nfnetlink request")
			}
		}
		if err := h.disp.dispatch(buf[:n]); err != nil {
			h.logger.WithError(err).Debug("Packet dispatch during request failed")
		}
	}
}

func (h *linuxHandle) send(m netlink.Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "marshal netlink message")
	}
	for {
		err = unix.Sendto(h.fd, b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
		if err != unix.EINTR {
			return wrapErrno(err, "send netlink message")
		}
	}
}

type linuxQueue struct {
	h   *linuxHandle
	num uint16
}

func (q *linuxQueue) Num() uint16 { return q.num }

func (q *linuxQueue) SetMode(mode CopyMode, rng uint32) error {
	wire, err := wireCopyMode(mode)
	if err != nil {
		return err
	}
	attrs, err := encodeConfigParams(wire, rng)
	if err != nil {
		return err
	}
	return q.h.request(newQueueMessage(nfqnlMsgConfig, netlink.Request|netlink.Acknowledge, unix.AF_UNSPEC, q.num, attrs))
}

func (q *linuxQueue) SetMaxLen(n uint32) error {
	attrs, err := encodeConfigMaxLen(n)
	if err != nil {
		return err
	}
	return q.h.request(newQueueMessage(nfqnlMsgConfig, netlink.Request|netlink.Acknowledge, unix.AF_UNSPEC, q.num, attrs))
}

func (q *linuxQueue) SetVerdict(id uint32, v Verdict) error {
	return q.SetVerdictWithPayload(id, v, nil)
}

// SetVerdictWithPayload is fire-and-forget, like libnetfilter_queue.
func (q *linuxQueue) SetVerdictWithPayload(id uint32, v Verdict, payload []byte) error {
	if err := checkVerdict(v); err != nil {
		return err
	}
	attrs, err := encodeVerdict(id, v, payload)
	if err != nil {
		return err
	}
	m := newQueueMessage(nfqnlMsgVerdict, netlink.Request, unix.AF_UNSPEC, q.num, attrs)
	m.Header.Sequence = q.h.seq.Add(1)
	m.Header.PID = q.h.pid
	return q.h.send(m)
}

func (q *linuxQueue) Destroy() error {
	q.h.disp.remove(q.num)
	return q.h.config(q.num, cfgCmdUnbind, 0)
}

type linuxSocket struct {
	fd int
}

func (s linuxSocket) SetReceiveTimeout(d time.Duration) error {
	tv := unix.NsecToTimeval(d.Nanoseconds())
	return wrapErrno(unix.SetsockoptTimeval(s.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv), "set SO_RCVTIMEO")
}

func (s linuxSocket) SetReceiveBuffer(bytes int) error {
	return wrapErrno(unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, bytes), "set SO_RCVBUF")
}

// ReceiveBuffer returns the kernel value, which Linux doubles for bookkeeping.
func (s linuxSocket) ReceiveBuffer() (int, error) {
	n, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	return n, wrapErrno(err, "get SO_RCVBUF")
}

// Receive maps the SO_RCVTIMEO expiry to ErrNoData. EINTR is treated the
// same way: the Go runtime's preemption signals interrupt a timed recv even
// with SA_RESTART.
func (s linuxSocket) Receive(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	switch err {
	case nil:
		if n <= 0 {
			return 0, ErrNoData
		}
		return n, nil
	case unix.EAGAIN, unix.EINTR:
		return 0, ErrNoData
	default:
		return 0, wrapErrno(err, "receive netlink")
	}
}

func wireCopyMode(m CopyMode) (uint8, error) {
	switch m {
	case CopyNone:
		return nfqueue.NfQnlCopyNone, nil
	case CopyMeta:
		return nfqueue.NfQnlCopyMeta, nil
	case CopyPacket:
		return nfqueue.NfQnlCopyPacket, nil
	}
	return 0, errors.Errorf(errors.KindValidation, "invalid copy mode %d", uint8(m))
}

func checkVerdict(v Verdict) error {
	switch uint32(v.Type & 0xffff) {
	case nfqueue.NfDrop, nfqueue.NfAccept, nfqueue.NfRepeat, uint32(VerdictQueue):
		return nil
	}
	return errors.Errorf(errors.KindValidation, "unsupported verdict %d", uint32(v.Type))
}

func wrapErrno(err error, msg string) error {
	return errors.Errno(err, msg)
}
