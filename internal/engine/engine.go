// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine runs one netfilter queue: it binds the queue, receives
// queued packets with a bounded timeout, hands each one to a Handler and
// tears the queue down again when asked to stop.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
)

const (
	// ReceiveTimeout bounds every receive. BreakLoop is observed once per
	// timeout at worst, so lowering it costs idle CPU and raising it slows
	// shutdown.
	ReceiveTimeout = 250 * time.Millisecond

	// QueueMaxLen is the in-kernel queue depth set on every loop start.
	// It does not follow the capacity given to New, which only sizes the
	// default receive buffer.
	QueueMaxLen uint32 = 10240
)

// Engine owns the lifecycle of one kernel packet queue.
type Engine struct {
	kernel   kernel.Kernel
	handler  Handler
	queueID  uint16
	capacity uint32
	logger   *logging.Logger
	observer Observer

	mu         sync.Mutex
	copyMode   kernel.CopyMode
	copyRange  uint32
	recvBuffer uint32
	lastErr    error

	state   atomic.Int32
	stopped atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers an observer for loop and packet events.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// New creates an engine for queue queueID. capacity is the number of
// packets the receive buffer is sized for. No kernel call is made until
// Loop.
func New(k kernel.Kernel, h Handler, queueID uint16, capacity uint32, opts ...Option) *Engine {
	e := &Engine{
		kernel:     k,
		handler:    h,
		queueID:    queueID,
		capacity:   capacity,
		logger:     logging.WithComponent("engine"),
		observer:   nopObserver{},
		copyMode:   kernel.CopyPacket,
		copyRange:  kernel.PacketMaxSize,
		recvBuffer: kernel.DefaultReceiveBuffer(capacity),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// QueueID returns the queue number.
func (e *Engine) QueueID() uint16 { return e.queueID }

// Capacity returns the capacity given to New.
func (e *Engine) Capacity() uint32 { return e.capacity }

// SetCopyMode sets the copy mode and range used by the next Loop. Ranges
// above kernel.PacketMaxSize are clamped when the loop starts.
func (e *Engine) SetCopyMode(mode kernel.CopyMode, rng uint32) {
	e.mu.Lock()
	e.copyMode, e.copyRange = mode, rng
	e.mu.Unlock()
}

// CopyMode returns the configured copy mode and range.
func (e *Engine) CopyMode() (kernel.CopyMode, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.copyMode, e.copyRange
}

// SetReceiveBufferSize overrides the default receive buffer size for the
// next Loop.
func (e *Engine) SetReceiveBufferSize(bytes uint32) {
	e.mu.Lock()
	e.recvBuffer = bytes
	e.mu.Unlock()
}

// ReceiveBufferSize returns the configured receive buffer size.
func (e *Engine) ReceiveBufferSize() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recvBuffer
}

// State returns the lifecycle position of the current or last Loop.
func (e *Engine) State() State { return State(e.state.Load()) }

// LastError returns the cause of the last non-zero status, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// BreakLoop asks a running Loop to stop. It may be called from any
// goroutine; the loop notices within one ReceiveTimeout.
func (e *Engine) BreakLoop() {
	e.stopped.Store(true)
}

// Loop binds the queue and processes packets until BreakLoop is called or
// the receive fails. Only one Loop may run at a time. The engine can be
// looped again after Loop returns.
func (e *Engine) Loop() Status {
	return e.LoopContext(context.Background())
}

// LoopContext is Loop that also stops once ctx is done. Cancellation is
// observed at the same points as BreakLoop.
func (e *Engine) LoopContext(ctx context.Context) Status {
	return e.loop(ctx)
}

// Run is Loop with cancellation through ctx. It returns nil after a clean
// stop.
func (e *Engine) Run(ctx context.Context) error {
	return e.StatusError(e.loop(ctx))
}

// StatusError combines status with the cause recorded by the last loop.
// It returns nil for StatusOK.
func (e *Engine) StatusError(status Status) error {
	if status == StatusOK {
		return nil
	}
	err := errors.Wrap(e.LastError(), status.Kind(), status.String())
	if err == nil {
		err = status.Err()
	}
	err = errors.Attr(err, "code", int(status))
	return errors.Attr(err, "queue", e.queueID)
}

type loopConfig struct {
	mode       kernel.CopyMode
	rng        uint32
	recvBuffer uint32
}

func (e *Engine) snapshot() loopConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := loopConfig{mode: e.copyMode, rng: e.copyRange, recvBuffer: e.recvBuffer}
	if cfg.rng > kernel.PacketMaxSize {
		cfg.rng = kernel.PacketMaxSize
	}
	return cfg
}

func (e *Engine) setState(s State) { e.state.Store(int32(s)) }

func (e *Engine) loop(ctx context.Context) Status {
	e.stopped.Store(false)
	e.setState(StateInit)

	cfg := e.snapshot()
	log := e.logger.With("queue", e.queueID, "run", uuid.NewString())
	log.Debug("Starting queue loop", "copy_mode", cfg.mode, "copy_range", cfg.rng, "receive_buffer", cfg.recvBuffer)
	e.observer.LoopStarted(e.queueID)

	status, err := e.run(ctx, cfg, log)

	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	if status == StatusOK {
		e.setState(StateCleanStop)
		log.Info("Queue loop stopped")
	} else {
		e.setState(StateErrorStop)
		log.WithError(err).Error("Queue loop failed", "status", status.String(), "code", int(status))
	}
	e.observer.LoopStopped(e.queueID, status)
	return status
}

func (e *Engine) run(ctx context.Context, cfg loopConfig, log *logging.Logger) (Status, error) {
	e.setState(StateOpening)
	h, err := e.kernel.Open()
	if err != nil {
		return StatusOpenFailed, err
	}

	// A binding left behind by a crashed process makes BindPF fail with
	// EEXIST; unbinding first clears it, and its own failure means nothing.
	if err := h.UnbindPF(kernel.FamilyINET); err != nil {
		log.Debug("Ignoring unbind failure", "error", err)
	}
	if err := h.BindPF(kernel.FamilyINET); err != nil {
		closeHandle(h, log)
		return StatusBindFailed, err
	}
	q, err := h.CreateQueue(e.queueID, e.trampoline())
	if err != nil {
		closeHandle(h, log)
		return StatusBindFailed, err
	}
	e.setState(StateBound)

	if err := q.SetMode(cfg.mode, cfg.rng); err != nil {
		teardown(q, h, log)
		return StatusCopyModeFailed, err
	}
	if err := q.SetMaxLen(QueueMaxLen); err != nil {
		teardown(q, h, log)
		return StatusMaxLenFailed, err
	}

	sock := h.Socket()
	if err := sock.SetReceiveTimeout(ReceiveTimeout); err != nil {
		log.WithError(err).Warn("Failed to set receive timeout")
	}
	if err := sock.SetReceiveBuffer(int(cfg.recvBuffer)); err != nil {
		log.WithError(err).Warn("Failed to set receive buffer", "bytes", cfg.recvBuffer)
	}
	allocated, err := sock.ReceiveBuffer()
	if err != nil || allocated < int(cfg.recvBuffer) {
		log.Error("Unable to allocate sufficient receive buffer, raise net.core.rmem_max",
			"requested", cfg.recvBuffer, "allocated", allocated)
		teardown(q, h, log)
		if err == nil {
			err = errors.Errorf(errors.KindResource, "receive buffer %d < requested %d", allocated, cfg.recvBuffer)
		}
		return StatusReceiveBufferTooSmall, err
	}
	e.setState(StateConfigured)

	e.setState(StateRunning)
	log.Info("Queue loop running", "receive_buffer", allocated)

	buf := make([]byte, kernel.PacketMaxSize+kernel.PacketOverhead)
	for !e.stopped.Load() && ctx.Err() == nil {
		n, err := sock.Receive(buf)
		if n > 0 {
			e.observer.BytesReceived(e.queueID, n)
			if err := h.HandlePacket(buf[:n]); err != nil {
				log.Debug("Packet handling failed", "error", err)
			}
			continue
		}
		if err == nil || errors.Is(err, kernel.ErrNoData) {
			continue
		}
		// Destroying the queue after a failed receive can block forever
		// in the kernel library, so the queue and handle are abandoned
		// here and reclaimed when the process exits.
		return StatusUnexpectedExit, err
	}

	teardown(q, h, log)
	return StatusOK, nil
}

// ErrHandlerPanic is reported for packets whose handler panicked. Such
// packets get no verdict from the engine, like any other handler failure.
var ErrHandlerPanic = errors.New(errors.KindInternal, "packet handler panicked")

// trampoline is the queue callback; it forwards to the handler of this
// engine.
func (e *Engine) trampoline() kernel.Callback {
	return func(q kernel.Queue, msg kernel.Message, pkt *kernel.Packet) error {
		err := e.handle(q, msg, pkt)
		e.observer.PacketHandled(e.queueID, err)
		return err
	}
}

func (e *Engine) handle(q kernel.Queue, msg kernel.Message, pkt *kernel.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Packet handler panicked", "queue", e.queueID, "panic", r)
			err = errors.Attr(errors.Wrap(ErrHandlerPanic, errors.KindInternal, fmt.Sprint(r)), "queue", e.queueID)
		}
	}()
	return e.handler.OnPacketReceived(q, msg, pkt)
}

func teardown(q kernel.Queue, h kernel.Handle, log *logging.Logger) {
	if err := q.Destroy(); err != nil {
		log.WithError(err).Warn("Failed to destroy queue")
	}
	closeHandle(h, log)
}

func closeHandle(h kernel.Handle, log *logging.Logger) {
	if err := h.Close(); err != nil {
		log.WithError(err).Warn("Failed to close queue handle")
	}
}
