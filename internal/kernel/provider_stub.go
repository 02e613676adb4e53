// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package kernel

import (
	"grimm.is/nfqengine/internal/errors"
	"grimm.is/nfqengine/internal/logging"
)

// LinuxKernel is a stub for non-Linux systems.
type LinuxKernel struct{}

// NewLinuxKernel creates a stub provider.
func NewLinuxKernel(logger *logging.Logger) *LinuxKernel {
	return &LinuxKernel{}
}

// Open always fails on non-Linux systems.
func (k *LinuxKernel) Open() (Handle, error) {
	return nil, errors.New(errors.KindUnavailable, "nfqueue is only supported on Linux")
}
