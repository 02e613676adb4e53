// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package firewall

import (
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/logging"
)

// Installer adds and removes the steering rule with native netlink.
type Installer struct {
	conn   *nftables.Conn
	rule   Rule
	logger *logging.Logger
}

// NewInstaller opens an nftables connection for rule.
func NewInstaller(rule Rule, logger *logging.Logger) (*Installer, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.WithComponent("firewall")
	}
	conn, err := nftables.New(nftables.AsLasting())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to open nftables connection")
	}
	return &Installer{conn: conn, rule: rule, logger: logger}, nil
}

func (i *Installer) table() *nftables.Table {
	family := nftables.TableFamilyINet
	if i.rule.Family == "ip" {
		family = nftables.TableFamilyIPv4
	}
	return &nftables.Table{Family: family, Name: i.rule.Table}
}

// Install creates the table, the base chain and the queue rule in one
// transaction. Installing twice replaces the previous chain contents.
func (i *Installer) Install() error {
	table := i.conn.AddTable(i.table())
	policy := nftables.ChainPolicyAccept
	chain := i.conn.AddChain(&nftables.Chain{
		Name:     i.rule.Chain,
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  chainHook(i.rule.Hook),
		Priority: nftables.ChainPriorityRef(nftables.ChainPriority(i.rule.Priority)),
		Policy:   &policy,
	})
	i.conn.FlushChain(chain)
	i.conn.AddRule(&nftables.Rule{
		Table:    table,
		Chain:    chain,
		Exprs:    queueExprs(i.rule),
		UserData: []byte(i.rule.Comment()),
	})

	if err := i.conn.Flush(); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "failed to install queue rule"), "table", i.rule.Table)
	}
	i.logger.Info("Installed queue rule", "table", i.rule.Table, "chain", i.rule.Chain,
		"hook", i.rule.Hook, "queue", i.rule.Queue, "bypass", i.rule.Bypass)
	return nil
}

// Remove deletes the whole table.
func (i *Installer) Remove() error {
	i.conn.DelTable(i.table())
	if err := i.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to remove queue rule")
	}
	i.logger.Info("Removed queue rule", "table", i.rule.Table)
	return nil
}

// Counters reads the counter of the installed rule. found is false when
// the table, chain or rule does not exist.
func (i *Installer) Counters() (c Counters, found bool, err error) {
	table := i.table()
	chains, err := i.conn.ListChainsOfTableFamily(table.Family)
	if err != nil {
		return c, false, errors.Wrap(err, errors.KindUnavailable, "failed to list chains")
	}

	for _, chain := range chains {
		if chain.Table.Name != table.Name || chain.Name != i.rule.Chain {
			continue
		}
		rules, err := i.conn.GetRules(chain.Table, chain)
		if err != nil {
			return c, false, errors.Wrap(err, errors.KindUnavailable, "failed to list rules")
		}
		for _, rule := range rules {
			if string(rule.UserData) != i.rule.Comment() {
				continue
			}
			for _, e := range rule.Exprs {
				if counter, ok := e.(*expr.Counter); ok {
					return Counters{Packets: counter.Packets, Bytes: counter.Bytes}, true, nil
				}
			}
		}
	}
	return c, false, nil
}

// Close releases the netlink connection.
func (i *Installer) Close() error {
	return i.conn.CloseLasting()
}

func chainHook(h Hook) *nftables.ChainHook {
	switch h {
	case HookPrerouting:
		return nftables.ChainHookPrerouting
	case HookForward:
		return nftables.ChainHookForward
	case HookOutput:
		return nftables.ChainHookOutput
	case HookPostrouting:
		return nftables.ChainHookPostrouting
	default:
		return nftables.ChainHookInput
	}
}

// queueExprs renders: [meta nfproto ipv4] [iifname/oifname X] counter queue num N [bypass].
func queueExprs(r Rule) []expr.Any {
	var exprs []expr.Any
	if r.Family == "inet" {
		exprs = append(exprs,
			&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{unix.NFPROTO_IPV4}},
		)
	}
	if r.Interface != "" {
		key := expr.MetaKeyIIFNAME
		if r.matchesOutput() {
			key = expr.MetaKeyOIFNAME
		}
		exprs = append(exprs,
			&expr.Meta{Key: key, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(r.Interface)},
		)
	}

	q := &expr.Queue{Num: r.Queue, Total: 1}
	if r.Bypass {
		q.Flag = expr.QueueFlagBypass
	}
	return append(exprs, &expr.Counter{}, q)
}

func ifname(n string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, n)
	return b
}
