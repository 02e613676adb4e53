// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/kernel"
)

// ErrNoHeader is returned for packets that carry no packet header, and so
// no identifier a verdict could refer to.
var ErrNoHeader = errors.New(errors.KindValidation, "packet has no header")

// Handler decides what happens to each queued packet. Implementations
// must issue the verdict themselves through q; the engine never issues a
// verdict on a handler's behalf.
type Handler interface {
	OnPacketReceived(q kernel.Queue, msg kernel.Message, pkt *kernel.Packet) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(q kernel.Queue, msg kernel.Message, pkt *kernel.Packet) error

// OnPacketReceived calls f.
func (f HandlerFunc) OnPacketReceived(q kernel.Queue, msg kernel.Message, pkt *kernel.Packet) error {
	return f(q, msg, pkt)
}

// VerdictFunc returns the verdict for one packet.
type VerdictFunc func(pkt *kernel.Packet) kernel.Verdict

// NewVerdictHandler returns a Handler that issues fn's verdict for every
// packet with a header. Packets without one fail with ErrNoHeader and get
// no verdict.
func NewVerdictHandler(fn VerdictFunc) Handler {
	return HandlerFunc(func(q kernel.Queue, _ kernel.Message, pkt *kernel.Packet) error {
		id, ok := pkt.ID()
		if !ok {
			return ErrNoHeader
		}
		return q.SetVerdict(id, fn(pkt))
	})
}

// Observer is notified about loop and packet events. Calls happen on the
// loop goroutine and must not block.
type Observer interface {
	LoopStarted(queue uint16)
	LoopStopped(queue uint16, status Status)
	BytesReceived(queue uint16, n int)
	PacketHandled(queue uint16, err error)
}

type nopObserver struct{}

func (nopObserver) LoopStarted(uint16)          {}
func (nopObserver) LoopStopped(uint16, Status)  {}
func (nopObserver) BytesReceived(uint16, int)   {}
func (nopObserver) PacketHandled(uint16, error) {}
