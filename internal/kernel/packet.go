// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"fmt"
	"math"
	"net"
	"time"

	"grimm.is/nfqengine/internal/errors"
)

const (
	// PacketMaxSize is the hard ceiling on bytes copied per packet.
	PacketMaxSize = 4096

	// PacketOverhead is the per-packet bookkeeping budget in the socket buffer.
	PacketOverhead = 1024

	// ReceiveBufferPerPacket is the default receive buffer share of one queue slot.
	ReceiveBufferPerPacket = PacketMaxSize + PacketOverhead

	// FamilyINET is AF_INET.
	FamilyINET uint16 = 2
)

// MaxCapacity is the largest capacity whose default receive buffer fits
// SO_RCVBUF.
const MaxCapacity = math.MaxInt32 / ReceiveBufferPerPacket

// CheckCapacity rejects capacities that are zero or exceed MaxCapacity.
func CheckCapacity(n uint64) error {
	if n == 0 || n > MaxCapacity {
		return errors.Errorf(errors.KindValidation, "capacity must be between 1 and %d, got %d", MaxCapacity, n)
	}
	return nil
}

// DefaultReceiveBuffer is the receive buffer for capacity queued packets,
// capped at the largest value SO_RCVBUF accepts.
func DefaultReceiveBuffer(capacity uint32) uint32 {
	n := uint64(capacity) * ReceiveBufferPerPacket
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return uint32(n)
}

// CopyMode selects how much of each packet the kernel copies to userspace.
type CopyMode uint8

const (
	CopyNone CopyMode = iota
	CopyMeta
	CopyPacket
)

func (m CopyMode) String() string {
	switch m {
	case CopyNone:
		return "none"
	case CopyMeta:
		return "meta"
	case CopyPacket:
		return "packet"
	default:
		return fmt.Sprintf("copymode(%d)", uint8(m))
	}
}

// ParseCopyMode accepts none, meta and packet.
func ParseCopyMode(s string) (CopyMode, error) {
	switch s {
	case "none":
		return CopyNone, nil
	case "meta":
		return CopyMeta, nil
	case "packet", "full":
		return CopyPacket, nil
	}
	return CopyNone, fmt.Errorf("unknown copy mode %q", s)
}

// VerdictType is the netfilter verdict code. For VerdictQueue the target
// queue number lives in the upper 16 bits.
type VerdictType uint32

const (
	// VerdictDrop discards the packet
	VerdictDrop VerdictType = 0
	// VerdictAccept continues normal processing
	VerdictAccept VerdictType = 1
	// VerdictQueue hands the packet to another queue
	VerdictQueue VerdictType = 3
	// VerdictRepeat re-runs the hook
	VerdictRepeat VerdictType = 4
)

func (t VerdictType) String() string {
	switch t & 0xffff {
	case VerdictDrop:
		return "drop"
	case VerdictAccept:
		return "accept"
	case VerdictQueue:
		return "queue"
	case VerdictRepeat:
		return "repeat"
	default:
		return fmt.Sprintf("verdict(%d)", uint32(t))
	}
}

// Verdict is the decision returned to the kernel for one packet.
type Verdict struct {
	Type    VerdictType
	Mark    uint32
	SetMark bool // Mark is only sent when set
}

// Accept returns an ACCEPT verdict.
func Accept() Verdict { return Verdict{Type: VerdictAccept} }

// Drop returns a DROP verdict.
func Drop() Verdict { return Verdict{Type: VerdictDrop} }

// AcceptWithMark accepts and sets the packet mark.
func AcceptWithMark(mark uint32) Verdict {
	return Verdict{Type: VerdictAccept, Mark: mark, SetMark: true}
}

// QueueTo re-queues the packet to queue num.
func QueueTo(num uint16) Verdict {
	return Verdict{Type: VerdictQueue | VerdictType(num)<<16}
}

// Message is the nfnetlink generic header (struct nfgenmsg).
type Message struct {
	Family     uint8
	Version    uint8
	ResourceID uint16
}

// PacketHeader is NFQA_PACKET_HDR.
type PacketHeader struct {
	ID         uint32
	HWProtocol uint16
	Hook       uint8
}

// Packet is one queued packet. Optional attributes are nil when the kernel
// did not send them.
type Packet struct {
	Header     *PacketHeader
	Mark       *uint32
	Timestamp  *time.Time
	InDev      *uint32
	OutDev     *uint32
	PhysInDev  *uint32
	PhysOutDev *uint32
	HWAddr     net.HardwareAddr
	Payload    []byte
	CapLen     *uint32 // original length when Payload was truncated
	CT         []byte  // raw NFQA_CT nest (ctnetlink attributes)
	CtInfo     *uint32
	SkbInfo    *uint32
	UID        *uint32
	GID        *uint32
	SecCtx     string
}

// ID returns the packet identifier, if the header is present.
func (p *Packet) ID() (uint32, bool) {
	if p == nil || p.Header == nil {
		return 0, false
	}
	return p.Header.ID, true
}
