// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command nfq-sim replays a PCAP through the simulated kernel and the real
// queue engine, and reports the verdicts a port policy produced.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"grimm.is/nfqengine/internal/kernel"
	"grimm.is/nfqengine/internal/logging"
)

func main() {
	dropPorts := flag.String("drop-ports", "", "Comma separated TCP/UDP destination ports to drop")
	capacity := flag.Uint("capacity", 1024, "Packets the receive buffer is sized for")
	rmemMax := flag.Int("rmem-max", 0, "Simulated net.core.rmem_max (0 for no cap)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: nfq-sim [flags] <pcap-file>")
		os.Exit(2)
	}

	ports, err := parsePorts(*dropPorts)
	if err == nil {
		err = kernel.CheckCapacity(uint64(*capacity))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "nfq-sim: %v\n", err)
		os.Exit(2)
	}

	cfg := logging.DefaultConfig()
	if *debug {
		cfg.Level = logging.LevelDebug
	}
	logger := logging.New(cfg)
	logging.SetDefault(logger)

	r := NewReplayer(NewPortPolicy(ports), uint32(*capacity), *rmemMax, logger)
	stats, err := r.ReplayFile(flag.Arg(0))
	if err != nil {
		logger.WithError(err).Error("Replay failed")
		os.Exit(1)
	}
	stats.Print(os.Stdout)
}

func parsePorts(s string) ([]uint16, error) {
	if s == "" {
		return nil, nil
	}
	var ports []uint16
	for _, f := range strings.Split(s, ",") {
		p, err := strconv.ParseUint(strings.TrimSpace(f), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", f)
		}
		ports = append(ports, uint16(p))
	}
	return ports, nil
}
