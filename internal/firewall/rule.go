// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package firewall installs the nftables rule that steers traffic into a
// netfilter queue.
package firewall

import (
	"fmt"

	"grimm.is/nfqengine/internal/config"
	"grimm.is/nfqengine/internal/errors"
)

// Hook is a netfilter hook point.
type Hook string

const (
	HookPrerouting  Hook = "prerouting"
	HookInput       Hook = "input"
	HookForward     Hook = "forward"
	HookOutput      Hook = "output"
	HookPostrouting Hook = "postrouting"
)

// Rule describes one steering rule: a base chain at Hook whose single
// rule queues every IPv4 packet (optionally only on Interface) to Queue.
type Rule struct {
	Family    string // inet, ip
	Table     string
	Chain     string
	Hook      Hook
	Priority  int
	Queue     uint16
	Bypass    bool
	Interface string
}

// RuleFromConfig builds the rule for queue from a validated config block.
func RuleFromConfig(rc *config.RuleConfig, queue uint16) Rule {
	return Rule{
		Family:    rc.Family,
		Table:     rc.Table,
		Chain:     rc.Chain,
		Hook:      Hook(rc.Hook),
		Priority:  rc.Priority,
		Queue:     queue,
		Bypass:    rc.Bypass,
		Interface: rc.Interface,
	}
}

// Comment tags the rule so its counters can be found again.
func (r Rule) Comment() string {
	return fmt.Sprintf("nfqengine-queue-%d", r.Queue)
}

// matchesOutput reports whether the interface match applies to the
// outgoing interface.
func (r Rule) matchesOutput() bool {
	return r.Hook == HookOutput || r.Hook == HookPostrouting
}

// Validate checks the fields the kernel would reject.
func (r Rule) Validate() error {
	switch r.Family {
	case "inet", "ip":
	default:
		return errors.Errorf(errors.KindValidation, "unsupported family %q", r.Family)
	}
	switch r.Hook {
	case HookPrerouting, HookInput, HookForward, HookOutput, HookPostrouting:
	default:
		return errors.Errorf(errors.KindValidation, "unsupported hook %q", r.Hook)
	}
	if r.Table == "" || r.Chain == "" {
		return errors.New(errors.KindValidation, "table and chain are required")
	}
	if len(r.Interface) >= 16 {
		return errors.Errorf(errors.KindValidation, "interface name %q too long", r.Interface)
	}
	return nil
}

// Counters are the packet and byte counts of the steering rule.
type Counters struct {
	Packets uint64
	Bytes   uint64
}
