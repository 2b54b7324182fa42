// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"testing"
)

// RequireRoot skips the test if the DEVICEWALL_ROOT_TEST environment
// variable is not set. This ensures that tests requiring real firewall
// privileges (iptables/nftables) only run in an environment set up for it.
func RequireRoot(t *testing.T) {
	t.Helper()
	if os.Getenv("DEVICEWALL_ROOT_TEST") == "" {
		t.Skip("skipping test: requires DEVICEWALL_ROOT_TEST environment")
	}
}
