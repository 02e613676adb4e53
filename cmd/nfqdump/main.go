// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command nfqdump accepts every packet on a queue and prints its metadata
// followed by a decoded summary of the payload.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dreadl0ck/ja3"
	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/nfqengine/internal/engine"
	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
)

func main() {
	queueID := flag.Uint("queue", 0, "Queue number")
	capacity := flag.Uint("capacity", 1024, "Packets the receive buffer is sized for")
	copyMode := flag.String("copy-mode", "packet", "Copy mode: none, meta or packet")
	copyRange := flag.Uint("copy-range", kernel.PacketMaxSize, "Payload bytes to copy")
	hex := flag.Bool("hex", false, "Print a hex dump of each payload")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	mode, err := kernel.ParseCopyMode(*copyMode)
	if err == nil {
		err = kernel.CheckCapacity(uint64(*capacity))
	}
	if err == nil && *queueID > 0xffff {
		err = fmt.Errorf("queue %d out of range", *queueID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nfqdump: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	cfg := logging.DefaultConfig()
	if *debug {
		cfg.Level = logging.LevelDebug
	}
	logger := logging.New(cfg)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &dumper{out: os.Stdout, hex: *hex}
	e := engine.New(kernel.NewLinuxKernel(logger.WithComponent("kernel")), d, uint16(*queueID), uint32(*capacity),
		engine.WithLogger(logger.WithComponent("engine")))
	e.SetCopyMode(mode, uint32(*copyRange))

	if err := e.Run(ctx); err != nil {
		logger.WithError(err).Error("nfqdump failed")
		os.Exit(1)
	}
}

type dumper struct {
	out io.Writer
	hex bool
}

// OnPacketReceived prints pkt and accepts it.
func (d *dumper) OnPacketReceived(q kernel.Queue, msg kernel.Message, pkt *kernel.Packet) error {
	id, ok := pkt.ID()
	if !ok {
		fmt.Fprintln(d.out, "packet without header, no verdict possible")
		return engine.ErrNoHeader
	}
	fmt.Fprintln(d.out, describe(msg, pkt))
	if len(pkt.Payload) > 0 {
		fmt.Fprintln(d.out, "  "+summarize(pkt.Payload))
		if d.hex {
			fmt.Fprint(d.out, decode(pkt.Payload).Dump())
		}
	}
	return q.SetVerdict(id, kernel.Accept())
}

func describe(msg kernel.Message, pkt *kernel.Packet) string {
	var b strings.Builder
	h := pkt.Header
	fmt.Fprintf(&b, "queue=%d id=%d hw_protocol=0x%04x hook=%d", msg.ResourceID, h.ID, h.HWProtocol, h.Hook)
	if pkt.Mark != nil {
		fmt.Fprintf(&b, " mark=%d", *pkt.Mark)
	}
	if pkt.InDev != nil {
		fmt.Fprintf(&b, " indev=%d", *pkt.InDev)
	}
	if pkt.OutDev != nil {
		fmt.Fprintf(&b, " outdev=%d", *pkt.OutDev)
	}
	if pkt.PhysInDev != nil {
		fmt.Fprintf(&b, " physindev=%d", *pkt.PhysInDev)
	}
	if pkt.PhysOutDev != nil {
		fmt.Fprintf(&b, " physoutdev=%d", *pkt.PhysOutDev)
	}
	if len(pkt.HWAddr) > 0 {
		fmt.Fprintf(&b, " hw_src=%s", pkt.HWAddr)
	}
	if pkt.Timestamp != nil {
		fmt.Fprintf(&b, " time=%s", pkt.Timestamp.Format(time.RFC3339Nano))
	}
	if pkt.UID != nil {
		fmt.Fprintf(&b, " uid=%d", *pkt.UID)
	}
	if pkt.GID != nil {
		fmt.Fprintf(&b, " gid=%d", *pkt.GID)
	}
	if pkt.CtInfo != nil {
		fmt.Fprintf(&b, " ctinfo=%d", *pkt.CtInfo)
	}
	if len(pkt.CT) > 0 {
		fmt.Fprintf(&b, " ct_len=%d", len(pkt.CT))
	}
	fmt.Fprintf(&b, " payload_len=%d", len(pkt.Payload))
	if pkt.CapLen != nil {
		fmt.Fprintf(&b, " cap_len=%d", *pkt.CapLen)
	}
	return b.String()
}

// decode parses a queued payload, which starts at the IPv4 or IPv6 header.
func decode(payload []byte) gopacket.Packet {
	first := layers.LayerTypeIPv4
	if len(payload) > 0 && payload[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}
	return gopacket.NewPacket(payload, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
}

// summarize decodes an IPv4 or IPv6 payload into a one-line summary.
func summarize(payload []byte) string {
	p := decode(payload)

	var src, dst, proto string
	switch ip := p.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst, proto = ip.SrcIP.String(), ip.DstIP.String(), ip.Protocol.String()
	case *layers.IPv6:
		src, dst, proto = ip.SrcIP.String(), ip.DstIP.String(), ip.NextHeader.String()
	default:
		return fmt.Sprintf("undecoded %d bytes", len(payload))
	}

	switch t := p.TransportLayer().(type) {
	case *layers.TCP:
		s := fmt.Sprintf("%s %s:%d -> %s:%d flags=%s len=%d", proto, src, t.SrcPort, dst, t.DstPort, tcpFlags(t), len(t.Payload))
		if fp := clientHelloJA3(p, t); fp != "" {
			s += " ja3=" + fp
		}
		return s
	case *layers.UDP:
		return fmt.Sprintf("%s %s:%d -> %s:%d len=%d", proto, src, t.SrcPort, dst, t.DstPort, len(t.Payload))
	}
	if icmp, ok := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		return fmt.Sprintf("%s %s -> %s %s", proto, src, dst, icmp.TypeCode)
	}
	return fmt.Sprintf("%s %s -> %s", proto, src, dst)
}

// Digests of an empty fingerprint.
const (
	emptyJA3 = "d41d8cd98f00b204e9800998ecf8427e"
	zeroJA3  = "00000000000000000000000000000000"
)

// clientHelloJA3 returns the JA3 hash of a TLS ClientHello carried in t,
// or "" when t does not start one.
func clientHelloJA3(p gopacket.Packet, t *layers.TCP) string {
	// record type handshake (0x16), handshake type ClientHello (0x01)
	if len(t.Payload) < 6 || t.Payload[0] != 0x16 || t.Payload[5] != 0x01 {
		return ""
	}
	digest := ja3.DigestPacket(p)
	h := hex.EncodeToString(digest[:])
	if h == emptyJA3 || h == zeroJA3 {
		return ""
	}
	return h
}

func tcpFlags(t *layers.TCP) string {
	var f []string
	for _, fl := range []struct {
		set  bool
		name string
	}{{t.SYN, "S"}, {t.ACK, "A"}, {t.FIN, "F"}, {t.RST, "R"}, {t.PSH, "P"}, {t.URG, "U"}} {
		if fl.set {
			f = append(f, fl.name)
		}
	}
	if len(f) == 0 {
		return "none"
	}
	return strings.Join(f, "")
}
