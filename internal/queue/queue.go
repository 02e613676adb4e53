// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package queue offers a payload-level API on top of the engine: a
// Listener sees packet bytes only and answers with a verdict.
package queue

import (
	"context"
	"fmt"
	"os"
	"sync"

	"grimm.is/nfqengine/internal/engine"
	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
)

// EthHeaderProcPath toggles whether the kernel prepends the Ethernet
// header to queued payloads. The misspelling is the kernel's.
const EthHeaderProcPath = "/proc/sys/net/netfilter/nfqueue-include-etherent-header-in-payload"

var (
	// ErrAlreadyLooping is returned when Loop is entered a second time.
	ErrAlreadyLooping = errors.New(errors.KindConflict, "queue loop already running")

	// ErrNoPayload is reported to the listener for packets without payload.
	ErrNoPayload = errors.New(errors.KindValidation, "packet has no payload")
)

// Listener receives queued packets. payload is reused between calls and
// must not be retained.
type Listener interface {
	OnPacketReceived(payload []byte) kernel.Verdict
	OnPacketReceiveError(err error)
}

// Queue wraps an engine with a Listener. Packets are dropped when no
// listener is set, when the listener fails and when it panics.
type Queue struct {
	engine   *engine.Engine
	logger   *logging.Logger
	procPath string

	mu       sync.Mutex
	listener Listener
	looping  bool
	ethHdr   int // -1 unknown, 0 off, 1 on

	// buf is only touched from the loop goroutine.
	buf []byte
}

type options struct {
	logger   *logging.Logger
	observer engine.Observer
	procPath string
}

// Option configures a Queue.
type Option func(*options)

// WithLogger sets the logger used by the queue and its engine.
func WithLogger(l *logging.Logger) Option { return func(o *options) { o.logger = l } }

// WithObserver forwards engine events to obs.
func WithObserver(obs engine.Observer) Option { return func(o *options) { o.observer = obs } }

// WithProcPath overrides EthHeaderProcPath.
func WithProcPath(path string) Option { return func(o *options) { o.procPath = path } }

// New creates a queue listener for queue num with room for capacity packets.
func New(k kernel.Kernel, num uint16, capacity uint32, opts ...Option) *Queue {
	o := options{procPath: EthHeaderProcPath}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.WithComponent("queue")
	}

	q := &Queue{
		logger:   o.logger,
		procPath: o.procPath,
		ethHdr:   -1,
		buf:      make([]byte, kernel.PacketMaxSize),
	}
	q.engine = engine.New(k, engine.NewVerdictHandler(q.verdict), num, capacity,
		engine.WithLogger(o.logger), engine.WithObserver(o.observer))
	return q
}

// Engine returns the underlying engine.
func (q *Queue) Engine() *engine.Engine { return q.engine }

// SetListener replaces the listener. A nil listener drops every packet.
func (q *Queue) SetListener(l Listener) {
	q.mu.Lock()
	q.listener = l
	q.mu.Unlock()
}

func (q *Queue) currentListener() Listener {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.listener
}

// Looping reports whether a loop is running.
func (q *Queue) Looping() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.looping
}

// Loop runs the engine until BreakLoop. A second concurrent call fails
// with ErrAlreadyLooping. Failures are also reported to the listener.
func (q *Queue) Loop() (engine.Status, error) {
	return q.run(context.Background())
}

// Run is Loop with cancellation through ctx.
func (q *Queue) Run(ctx context.Context) error {
	_, err := q.run(ctx)
	return err
}

func (q *Queue) run(ctx context.Context) (engine.Status, error) {
	q.mu.Lock()
	if q.looping {
		l := q.listener
		q.mu.Unlock()
		q.notifyError(l, ErrAlreadyLooping)
		return engine.StatusOK, ErrAlreadyLooping
	}
	q.looping = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.looping = false
		q.mu.Unlock()
	}()

	status := q.engine.LoopContext(ctx)
	err := q.engine.StatusError(status)
	if err != nil {
		q.notifyError(q.currentListener(), err)
	}
	return status, err
}

// BreakLoop stops a running loop.
func (q *Queue) BreakLoop() { q.engine.BreakLoop() }

// SetCopyMode configures the next loop. It returns false while looping.
func (q *Queue) SetCopyMode(mode kernel.CopyMode, rng uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.looping {
		return false
	}
	q.engine.SetCopyMode(mode, rng)
	return true
}

// SetReceiveBufferSize configures the next loop. It returns false while
// looping.
func (q *Queue) SetReceiveBufferSize(bytes uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.looping {
		return false
	}
	q.engine.SetReceiveBufferSize(bytes)
	return true
}

// verdict copies the payload into the reused buffer and asks the listener.
func (q *Queue) verdict(pkt *kernel.Packet) (v kernel.Verdict) {
	v = kernel.Drop()
	l := q.currentListener()
	if l == nil {
		return v
	}
	if pkt.Payload == nil {
		q.notifyError(l, ErrNoPayload)
		return v
	}

	n := copy(q.buf, pkt.Payload)
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Listener panicked", "panic", fmt.Sprint(r))
			v = kernel.Drop()
		}
	}()
	return l.OnPacketReceived(q.buf[:n])
}

func (q *Queue) notifyError(l Listener, err error) {
	if l == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Listener panicked in error callback", "panic", fmt.Sprint(r))
		}
	}()
	l.OnPacketReceiveError(err)
}

// EthHeaderIncluded reports whether payloads start with the Ethernet
// header. The answer is read once and cached; unreadable means no.
func (q *Queue) EthHeaderIncluded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ethHdr >= 0 {
		return q.ethHdr == 1
	}
	q.ethHdr = 0
	b, err := os.ReadFile(q.procPath)
	if err != nil {
		q.logger.Warn("Failed to read ethernet header setting", "path", q.procPath, "error", err)
		return false
	}
	if len(b) > 0 && b[0] == '1' {
		q.ethHdr = 1
	}
	return q.ethHdr == 1
}

// SetEthHeaderIncluded writes the setting and reports whether the kernel
// now has it.
func (q *Queue) SetEthHeaderIncluded(include bool) bool {
	val := []byte("0")
	if include {
		val = []byte("1")
	}
	q.mu.Lock()
	q.ethHdr = -1
	q.mu.Unlock()

	if err := os.WriteFile(q.procPath, val, 0o644); err != nil {
		q.logger.Warn("Failed to write ethernet header setting", "path", q.procPath, "error", err)
	}
	return q.EthHeaderIncluded() == include
}
