// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel_test

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/nfqengine/internal/engine"
	"grimm.is/nfqengine/internal/firewall"
	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
	"grimm.is/nfqengine/internal/testutil"
)

const (
	testLink  = "nfqtest0"
	testQueue = 199
	testDest  = "192.168.199.2:9"
)

// setupLink creates a dummy interface with 192.168.199.1/24 so that
// traffic to 192.168.199.2 leaves through it.
func setupLink(t *testing.T) {
	t.Helper()
	link := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: testLink}}
	require.NoError(t, netlink.LinkAdd(link))
	t.Cleanup(func() { _ = netlink.LinkDel(link) })

	addr, err := netlink.ParseAddr("192.168.199.1/24")
	require.NoError(t, err)
	require.NoError(t, netlink.AddrAdd(link, addr))
	require.NoError(t, netlink.LinkSetUp(link))
}

func setupRule(t *testing.T) *firewall.Installer {
	t.Helper()
	inst, err := firewall.NewInstaller(firewall.Rule{
		Family:    "inet",
		Table:     "nfqengine_it",
		Chain:     "out",
		Hook:      firewall.HookOutput,
		Queue:     testQueue,
		Interface: testLink,
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close() })
	require.NoError(t, inst.Install())
	t.Cleanup(func() { _ = inst.Remove() })
	return inst
}

func sendUDP(t *testing.T, payload string, count int) {
	t.Helper()
	conn, err := net.Dial("udp4", testDest)
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < count; i++ {
		_, _ = conn.Write([]byte(payload))
	}
}

// observed is the part of a queued packet both consumers must agree on.
type observed struct {
	Hook       uint8
	HWProtocol uint16
	OutDev     uint32
	PayloadLen int
}

func runEngine(t *testing.T, payload string, count int) []observed {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []observed
		n    atomic.Int32
	)
	h := engine.NewVerdictHandler(func(pkt *kernel.Packet) kernel.Verdict {
		o := observed{Hook: pkt.Header.Hook, HWProtocol: pkt.Header.HWProtocol, PayloadLen: len(pkt.Payload)}
		if pkt.OutDev != nil {
			o.OutDev = *pkt.OutDev
		}
		mu.Lock()
		seen = append(seen, o)
		mu.Unlock()
		n.Add(1)
		return kernel.Accept()
	})
	e := engine.New(kernel.NewLinuxKernel(logging.Discard()), h, testQueue, 16, engine.WithLogger(logging.Discard()))

	done := make(chan engine.Status, 1)
	go func() { done <- e.Loop() }()
	require.Eventually(t, func() bool { return e.State() == engine.StateRunning }, 5*time.Second, 10*time.Millisecond)

	sendUDP(t, payload, count)
	require.Eventually(t, func() bool { return n.Load() >= int32(count) }, 5*time.Second, 10*time.Millisecond)

	e.BreakLoop()
	select {
	case status := <-done:
		assert.Equal(t, engine.StatusOK, status)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]observed(nil), seen...)
}

// runReference consumes the queue with go-nfqueue.
func runReference(t *testing.T, payload string, count int) []observed {
	t.Helper()
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      testQueue,
		MaxPacketLen: kernel.PacketMaxSize,
		MaxQueueLen:  engine.QueueMaxLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		AfFamily:     unix.AF_INET,
		WriteTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer nf.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []observed
	)
	fn := func(a nfqueue.Attribute) int {
		o := observed{}
		if a.Hook != nil {
			o.Hook = *a.Hook
		}
		if a.HwProtocol != nil {
			o.HWProtocol = *a.HwProtocol
		}
		if a.OutDev != nil {
			o.OutDev = *a.OutDev
		}
		if a.Payload != nil {
			o.PayloadLen = len(*a.Payload)
		}
		mu.Lock()
		seen = append(seen, o)
		mu.Unlock()
		if a.PacketID != nil {
			_ = nf.SetVerdict(*a.PacketID, nfqueue.NfAccept)
		}
		return 0
	}
	require.NoError(t, nf.RegisterWithErrorFunc(ctx, fn, func(error) int { return 0 }))

	sendUDP(t, payload, count)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= count
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	return append([]observed(nil), seen...)
}

func TestEngineOnLinuxKernel(t *testing.T) {
	testutil.RequireKernel(t)
	setupLink(t)
	inst := setupRule(t)

	seen := runEngine(t, "nfqengine", 3)
	require.Len(t, seen, 3)

	c, found, err := inst.Counters()
	require.NoError(t, err)
	assert.True(t, found)
	assert.GreaterOrEqual(t, c.Packets, uint64(3))
}

// TestEngineMatchesGoNfqueue queues identical traffic to go-nfqueue and
// then to the engine, and compares what both decoded.
func TestEngineMatchesGoNfqueue(t *testing.T) {
	testutil.RequireKernel(t)
	setupLink(t)
	setupRule(t)

	const payload = "same-shape-payload"
	ref := runReference(t, payload, 2)
	got := runEngine(t, payload, 2)

	require.NotEmpty(t, ref)
	require.NotEmpty(t, got)
	want := ref[0]
	assert.Equal(t, uint8(unix.NF_INET_LOCAL_OUT), want.Hook)
	for _, o := range got {
		assert.Equal(t, want, o)
	}
}
