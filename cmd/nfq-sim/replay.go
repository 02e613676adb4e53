// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"grimm.is/nfqengine/internal/engine"
	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
	"grimm.is/nfqengine/internal/queue"
)

const (
	simQueue = 0

	// batch bounds the backlog so the simulated queue never overflows.
	batch       = 512
	waitTimeout = 5 * time.Second
)

// PortPolicy drops packets to a set of TCP/UDP destination ports and
// accepts everything else.
type PortPolicy struct {
	drop map[uint16]bool

	mu       sync.Mutex
	protos   map[string]int
	errs     int
	accepted int
	dropped  int
}

// NewPortPolicy creates a policy dropping ports.
func NewPortPolicy(ports []uint16) *PortPolicy {
	p := &PortPolicy{drop: make(map[uint16]bool), protos: make(map[string]int)}
	for _, port := range ports {
		p.drop[port] = true
	}
	return p
}

// OnPacketReceived decodes the IP payload and applies the port list.
func (p *PortPolicy) OnPacketReceived(payload []byte) kernel.Verdict {
	pkt := gopacket.NewPacket(payload, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	proto := "other"
	var dport uint16
	switch t := pkt.TransportLayer().(type) {
	case *layers.TCP:
		proto, dport = "tcp", uint16(t.DstPort)
	case *layers.UDP:
		proto, dport = "udp", uint16(t.DstPort)
	default:
		if pkt.Layer(layers.LayerTypeICMPv4) != nil {
			proto = "icmp"
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.protos[proto]++
	if dport != 0 && p.drop[dport] {
		p.dropped++
		return kernel.Drop()
	}
	p.accepted++
	return kernel.Accept()
}

// OnPacketReceiveError counts listener errors.
func (p *PortPolicy) OnPacketReceiveError(err error) {
	p.mu.Lock()
	p.errs++
	p.mu.Unlock()
}

// Stats summarizes one replay.
type Stats struct {
	Read      int
	Skipped   int // not IPv4
	Injected  int
	Accepted  int
	Dropped   int
	Overflows int
	Errors    int
	Protocols map[string]int
	Status    engine.Status
	Duration  time.Duration
}

// Print writes a human readable report.
func (s Stats) Print(w io.Writer) {
	fmt.Fprintf(w, "packets read:     %d\n", s.Read)
	fmt.Fprintf(w, "skipped non-ipv4: %d\n", s.Skipped)
	fmt.Fprintf(w, "injected:         %d\n", s.Injected)
	fmt.Fprintf(w, "accepted:         %d\n", s.Accepted)
	fmt.Fprintf(w, "dropped:          %d\n", s.Dropped)
	fmt.Fprintf(w, "overflows:        %d\n", s.Overflows)
	fmt.Fprintf(w, "listener errors:  %d\n", s.Errors)

	names := make([]string, 0, len(s.Protocols))
	for n := range s.Protocols {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(w, "  %-6s %d\n", n, s.Protocols[n])
	}
	fmt.Fprintf(w, "loop status:      %s (%d)\n", s.Status, int(s.Status))
	fmt.Fprintf(w, "duration:         %v\n", s.Duration)
}

// Replayer feeds captured packets to a queue backed by a SimKernel.
type Replayer struct {
	kernel *kernel.SimKernel
	queue  *queue.Queue
	policy *PortPolicy
	logger *logging.Logger
}

// NewReplayer creates a replayer. rmemMax <= 0 disables the buffer cap.
func NewReplayer(policy *PortPolicy, capacity uint32, rmemMax int, logger *logging.Logger) *Replayer {
	k := kernel.NewSimKernel()
	k.RmemMax = rmemMax
	q := queue.New(k, simQueue, capacity, queue.WithLogger(logger.WithComponent("queue")))
	q.SetListener(policy)
	return &Replayer{kernel: k, queue: q, policy: policy, logger: logger}
}

// ReplayFile replays a pcap or pcapng file.
func (r *Replayer) ReplayFile(path string) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, errors.Wrap(err, errors.KindNotFound, "open capture")
	}
	defer f.Close()

	src, err := openCapture(f)
	if err != nil {
		return Stats{}, err
	}
	return r.Replay(src)
}

func openCapture(f *os.File) (gopacket.PacketDataSource, error) {
	if ng, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions); err == nil {
		return ng, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "rewind capture")
	}
	rd, err := pcapgo.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "read capture header")
	}
	return rd, nil
}

type linkTyper interface {
	LinkType() layers.LinkType
}

type loopResult struct {
	status engine.Status
	err    error
}

// Replay runs the queue loop, injects every IPv4 packet of src and stops
// the loop once all verdicts were issued.
func (r *Replayer) Replay(src gopacket.PacketDataSource) (Stats, error) {
	start := time.Now()
	stats := Stats{}

	done := make(chan loopResult, 1)
	go func() {
		status, err := r.queue.Loop()
		done <- loopResult{status, err}
	}()

	// A BreakLoop issued before the loop starts would be discarded.
	res := r.waitRunning(done)

	var decoder gopacket.Decoder = layers.LayerTypeEthernet
	if lt, ok := src.(linkTyper); ok {
		decoder = lt.LinkType()
	}
	ps := gopacket.NewPacketSource(src, decoder)
	ps.Lazy = true
	ps.NoCopy = true

	for res == nil {
		p, err := ps.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			r.logger.Debug("Skipping unreadable packet", "error", err)
			continue
		}
		stats.Read++

		ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			stats.Skipped++
			continue
		}
		payload := append(append([]byte(nil), ip.Contents...), ip.Payload...)
		r.kernel.Inject(payload)
		stats.Injected++

		if stats.Injected%batch == 0 {
			res = r.drain(stats.Injected, done)
		}
	}
	if res == nil {
		res = r.drain(stats.Injected, done)
	}
	if res == nil {
		r.queue.BreakLoop()
		lr := <-done
		res = &lr
	}

	calls := r.kernel.Calls()
	r.policy.mu.Lock()
	stats.Accepted = r.policy.accepted
	stats.Dropped = r.policy.dropped
	stats.Errors = r.policy.errs
	stats.Protocols = make(map[string]int, len(r.policy.protos))
	for k, v := range r.policy.protos {
		stats.Protocols[k] = v
	}
	r.policy.mu.Unlock()
	stats.Overflows = calls.Overflows
	stats.Status = res.status
	stats.Duration = time.Since(start)

	return stats, res.err
}

func (r *Replayer) waitRunning(done <-chan loopResult) *loopResult {
	for r.queue.Engine().State() != engine.StateRunning {
		select {
		case res := <-done:
			return &res
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// drain waits until n verdicts were issued. It returns the loop result
// when the loop exited first, and nil otherwise.
func (r *Replayer) drain(n int, done <-chan loopResult) *loopResult {
	deadline := time.Now().Add(waitTimeout)
	for {
		want := n - r.kernel.Calls().Overflows
		if r.kernel.WaitVerdicts(want, 50*time.Millisecond) {
			return nil
		}
		select {
		case res := <-done:
			return &res
		default:
		}
		if time.Now().After(deadline) {
			r.logger.Warn("Timed out waiting for verdicts", "want", want, "pending", r.kernel.Pending())
			return nil
		}
	}
}
