// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel is the boundary between the queue engine and the kernel's
// netfilter queue subsystem.
// On Linux, LinuxKernel talks nfnetlink over a raw netlink socket.
// SimKernel is a stateful in-memory implementation used by tests and PCAP replay.
package kernel

import (
	"errors"
	"time"
)

// ErrNoData is returned by Socket.Receive when the receive timeout expired
// (or the call was interrupted) before any data arrived. It is not a failure.
var ErrNoData = errors.New("kernel: no data available")

// Kernel opens handles to the queue subsystem.
// Components interact with this interface instead of making direct syscalls.
type Kernel interface {
	Open() (Handle, error)
}

// Handle is one open connection to the queue subsystem.
type Handle interface {
	// UnbindPF and BindPF (un)register the handle for a protocol family.
	UnbindPF(family uint16) error
	BindPF(family uint16) error

	// CreateQueue binds queue num and installs cb for its packets.
	CreateQueue(num uint16, cb Callback) (Queue, error)

	// Socket exposes the underlying receive socket.
	Socket() Socket

	// HandlePacket parses a raw receive buffer and invokes the queue
	// callback once per packet, in buffer order. It returns the first
	// callback error, after dispatching every packet.
	HandlePacket(buf []byte) error

	Close() error
}

// Queue is a bound, numbered packet queue.
type Queue interface {
	Num() uint16
	SetMode(mode CopyMode, rng uint32) error
	SetMaxLen(n uint32) error
	SetVerdict(id uint32, v Verdict) error
	// SetVerdictWithPayload replaces the packet contents along with the verdict.
	SetVerdictWithPayload(id uint32, v Verdict, payload []byte) error
	Destroy() error
}

// Socket carries the option and receive primitives of the netlink socket.
// Sizes and timeouts follow SO_RCVBUF / SO_RCVTIMEO semantics.
type Socket interface {
	SetReceiveTimeout(d time.Duration) error
	SetReceiveBuffer(bytes int) error
	// ReceiveBuffer reports the size the kernel actually allocated.
	ReceiveBuffer() (int, error)
	// Receive blocks until data arrives or the receive timeout expires, in
	// which case it returns ErrNoData.
	Receive(buf []byte) (int, error)
}

// Callback is invoked for every packet found by Handle.HandlePacket.
// pkt is only valid until a verdict has been issued for it.
type Callback func(q Queue, msg Message, pkt *Packet) error
