// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package firewall

import (
	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/logging"
)

// Installer is unavailable on this platform.
type Installer struct{}

// NewInstaller always fails outside Linux.
func NewInstaller(rule Rule, logger *logging.Logger) (*Installer, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return nil, errors.New(errors.KindUnavailable, "nftables is only available on linux")
}

func (i *Installer) Install() error { return errors.New(errors.KindUnavailable, "nftables unavailable") }
func (i *Installer) Remove() error  { return errors.New(errors.KindUnavailable, "nftables unavailable") }
func (i *Installer) Close() error   { return nil }

func (i *Installer) Counters() (Counters, bool, error) {
	return Counters{}, false, errors.New(errors.KindUnavailable, "nftables unavailable")
}
