// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil holds gates for tests that need a real kernel.
package testutil

import (
	"os"
	"runtime"
	"testing"
)

// KernelTestEnv must be set for tests that change the host's netfilter
// state or network interfaces.
const KernelTestEnv = "NFQ_KERNEL_TEST"

// RequireRoot skips the test unless it runs as root on Linux.
func RequireRoot(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("Skipping test: requires linux")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}

// RequireKernel skips the test unless NFQ_KERNEL_TEST is set and the test
// runs as root. Such tests install nftables rules and create links, so
// they belong in a disposable VM or network namespace.
func RequireKernel(t *testing.T) {
	t.Helper()
	if os.Getenv(KernelTestEnv) == "" {
		t.Skipf("Skipping test: requires %s environment", KernelTestEnv)
	}
	RequireRoot(t)
}
