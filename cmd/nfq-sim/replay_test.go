// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nfqengine/internal/engine"
	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
)

func frame(t *testing.T, transport gopacket.SerializableLayer) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4,
		TTL:     64,
		SrcIP:   net.IPv4(10, 0, 0, 1),
		DstIP:   net.IPv4(10, 0, 0, 2),
	}
	ls := []gopacket.SerializableLayer{eth, ip}
	switch l := transport.(type) {
	case *layers.TCP:
		ip.Protocol = layers.IPProtocolTCP
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
		ls = append(ls, l)
	case *layers.UDP:
		ip.Protocol = layers.IPProtocolUDP
		require.NoError(t, l.SetNetworkLayerForChecksum(ip))
		ls = append(ls, l)
	}
	ls = append(ls, gopacket.Payload("hello"))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func arpFrame(t *testing.T) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
			DstMAC:       layers.EthernetBroadcast,
			EthernetType: layers.EthernetTypeARP,
		},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   []byte{0x02, 0, 0, 0, 0, 1},
			SourceProtAddress: []byte{10, 0, 0, 1},
			DstHwAddress:      []byte{0, 0, 0, 0, 0, 0},
			DstProtAddress:    []byte{10, 0, 0, 2},
		}))
	return buf.Bytes()
}

func writeCapture(t *testing.T, frames ...[]byte) []byte {
	t.Helper()
	var b bytes.Buffer
	w := pcapgo.NewWriter(&b)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	ts := time.Unix(1700000000, 0)
	for i, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: ts.Add(time.Duration(i) * time.Millisecond), CaptureLength: len(f), Length: len(f)}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return b.Bytes()
}

func TestReplayAppliesPortPolicy(t *testing.T) {
	capture := writeCapture(t,
		frame(t, &layers.TCP{SrcPort: 40000, DstPort: 22, SYN: true}),
		frame(t, &layers.TCP{SrcPort: 40001, DstPort: 443, SYN: true}),
		frame(t, &layers.UDP{SrcPort: 5353, DstPort: 53}),
		arpFrame(t),
	)

	r := NewReplayer(NewPortPolicy([]uint16{22, 53}), 64, kernel.DefaultRmemMax, logging.Discard())
	rd, err := pcapgo.NewReader(bytes.NewReader(capture))
	require.NoError(t, err)

	stats, err := r.Replay(rd)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Read)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 3, stats.Injected)
	assert.Equal(t, 1, stats.Accepted)
	assert.Equal(t, 2, stats.Dropped)
	assert.Equal(t, map[string]int{"tcp": 2, "udp": 1}, stats.Protocols)
	assert.Equal(t, engine.StatusOK, stats.Status)

	var drops int
	for _, v := range r.kernel.Calls().Verdicts {
		if v.Verdict == kernel.Drop() {
			drops++
		}
	}
	assert.Equal(t, 2, drops)
}

func TestReplayFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, os.WriteFile(path, writeCapture(t, frame(t, &layers.UDP{SrcPort: 1, DstPort: 2})), 0o644))

	r := NewReplayer(NewPortPolicy(nil), 64, kernel.DefaultRmemMax, logging.Discard())
	stats, err := r.ReplayFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Accepted)

	var out bytes.Buffer
	stats.Print(&out)
	assert.Contains(t, out.String(), "accepted:         1")
	assert.Contains(t, out.String(), "loop status:      ok (0)")
}

func TestReplayBufferTooSmall(t *testing.T) {
	capture := writeCapture(t, frame(t, &layers.UDP{SrcPort: 1, DstPort: 2}))

	r := NewReplayer(NewPortPolicy(nil), 64, 1024, logging.Discard())
	rd, err := pcapgo.NewReader(bytes.NewReader(capture))
	require.NoError(t, err)

	stats, err := r.Replay(rd)
	require.Error(t, err)
	assert.Equal(t, engine.StatusReceiveBufferTooSmall, stats.Status)
	assert.Zero(t, stats.Accepted)
}

func TestReplayFileMissing(t *testing.T) {
	r := NewReplayer(NewPortPolicy(nil), 64, 0, logging.Discard())
	_, err := r.ReplayFile(filepath.Join(t.TempDir(), "nope.pcap"))
	assert.Error(t, err)
}

func TestParsePorts(t *testing.T) {
	ports, err := parsePorts("22, 53,443")
	require.NoError(t, err)
	assert.Equal(t, []uint16{22, 53, 443}, ports)

	ports, err = parsePorts("")
	require.NoError(t, err)
	assert.Nil(t, ports)

	_, err = parsePorts("22,http")
	assert.Error(t, err)
	_, err = parsePorts("70000")
	assert.Error(t, err)
}
