// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSimQueue(t *testing.T, k *SimKernel, cb Callback) (Handle, Queue) {
	t.Helper()
	h, err := k.Open()
	require.NoError(t, err)
	require.NoError(t, h.BindPF(FamilyINET))
	q, err := h.CreateQueue(3, cb)
	require.NoError(t, err)
	return h, q
}

func TestSimKernelDelivery(t *testing.T) {
	k := NewSimKernel()

	var got []uint32
	h, q := openSimQueue(t, k, func(q Queue, msg Message, pkt *Packet) error {
		assert.Equal(t, uint16(3), msg.ResourceID)
		id, ok := pkt.ID()
		require.True(t, ok)
		got = append(got, id)
		return q.SetVerdict(id, Accept())
	})
	require.NoError(t, q.SetMode(CopyPacket, 4096))
	require.NoError(t, h.Socket().SetReceiveTimeout(50*time.Millisecond))

	id1 := k.Inject([]byte("one"))
	id2 := k.Inject([]byte("two"))

	buf := make([]byte, ReceiveBufferPerPacket)
	n, err := h.Socket().Receive(buf)
	require.NoError(t, err)
	require.NoError(t, h.HandlePacket(buf[:n]))

	assert.Equal(t, []uint32{id1, id2}, got)
	assert.Equal(t, 0, k.Pending())

	calls := k.Calls()
	require.Len(t, calls.Verdicts, 2)
	assert.Equal(t, id1, calls.Verdicts[0].ID)
	assert.Equal(t, Accept(), calls.Verdicts[1].Verdict)
}

func TestSimKernelReceiveTimeout(t *testing.T) {
	k := NewSimKernel()
	h, _ := openSimQueue(t, k, func(Queue, Message, *Packet) error { return nil })
	require.NoError(t, h.Socket().SetReceiveTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := h.Socket().Receive(make([]byte, 128))
	assert.ErrorIs(t, err, ErrNoData)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSimKernelCopyRange(t *testing.T) {
	k := NewSimKernel()
	var payload []byte
	var capLen *uint32
	h, q := openSimQueue(t, k, func(_ Queue, _ Message, pkt *Packet) error {
		payload = append([]byte(nil), pkt.Payload...)
		capLen = pkt.CapLen
		return nil
	})
	require.NoError(t, q.SetMode(CopyPacket, 2))

	k.Inject([]byte("abcdef"))
	buf := make([]byte, 1024)
	n, err := h.Socket().Receive(buf)
	require.NoError(t, err)
	require.NoError(t, h.HandlePacket(buf[:n]))

	assert.Equal(t, []byte("ab"), payload)
	require.NotNil(t, capLen)
	assert.Equal(t, uint32(6), *capLen)
}

func TestSimKernelReceiveBuffer(t *testing.T) {
	k := NewSimKernel()
	k.RmemMax = 1000
	h, err := k.Open()
	require.NoError(t, err)
	sock := h.Socket()

	require.NoError(t, sock.SetReceiveBuffer(400))
	n, err := sock.ReceiveBuffer()
	require.NoError(t, err)
	assert.Equal(t, 800, n)

	require.NoError(t, sock.SetReceiveBuffer(5000))
	n, err = sock.ReceiveBuffer()
	require.NoError(t, err)
	assert.Equal(t, 2000, n)
}

func TestSimKernelMaxLen(t *testing.T) {
	k := NewSimKernel()
	_, q := openSimQueue(t, k, func(Queue, Message, *Packet) error { return nil })
	require.NoError(t, q.SetMaxLen(2))

	k.Inject([]byte{1})
	k.Inject([]byte{2})
	k.Inject([]byte{3})

	assert.Equal(t, 2, k.Pending())
	assert.Equal(t, 1, k.Calls().Overflows)
}

func TestSimKernelFailures(t *testing.T) {
	k := NewSimKernel()
	k.OpenErr = syscall.EPERM
	_, err := k.Open()
	assert.ErrorIs(t, err, syscall.EPERM)

	k.OpenErr = nil
	h, q := openSimQueue(t, k, func(Queue, Message, *Packet) error { return nil })

	_, err = h.CreateQueue(4, nil)
	assert.ErrorIs(t, err, syscall.EBUSY)

	boom := errors.New("boom")
	k.FailReceive(boom)
	_, err = h.Socket().Receive(make([]byte, 64))
	assert.ErrorIs(t, err, boom)

	require.NoError(t, q.Destroy())
	assert.ErrorIs(t, q.SetVerdict(1, Drop()), syscall.ENOENT)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	calls := k.Calls()
	assert.Equal(t, 1, calls.Destroys)
	assert.Equal(t, 1, calls.Closes)
}

func TestSimKernelWaitVerdicts(t *testing.T) {
	k := NewSimKernel()
	_, q := openSimQueue(t, k, func(Queue, Message, *Packet) error { return nil })

	assert.False(t, k.WaitVerdicts(1, 10*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = q.SetVerdict(1, Accept())
	}()
	assert.True(t, k.WaitVerdicts(1, time.Second))
}

func TestDispatchRouting(t *testing.T) {
	d := newDispatcher()
	sentinel := errors.New("handler failed")

	var seen []uint32
	d.add(&simQueue{num: 1}, func(_ Queue, _ Message, pkt *Packet) error {
		seen = append(seen, pkt.Header.ID)
		if pkt.Header.ID == 1 {
			return sentinel
		}
		return nil
	})

	var buf []byte
	for _, p := range []struct {
		queue uint16
		id    uint32
	}{{1, 1}, {9, 2}, {1, 3}} {
		m, err := encodePacket(p.queue, &Packet{Header: &PacketHeader{ID: p.id}}, CopyMeta, 0)
		require.NoError(t, err)
		b, err := m.MarshalBinary()
		require.NoError(t, err)
		buf = append(buf, b...)
	}

	err := d.dispatch(buf)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, []uint32{1, 3}, seen)

	d.remove(1)
	seen = nil
	assert.NoError(t, d.dispatch(buf))
	assert.Empty(t, seen)
}
