// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides a package-level, swappable time source so that
// the violation detector, TTL sweeps, and cooldown logic can be tested
// without sleeping in real time.
package clock

import "time"

// Now is the current time source. Tests may replace it with a fixed or
// stepped function. Code that calls time.Now() directly (logging, the
// node monitor, the notification rate limit, the agent's firewall Guard,
// WebSocket write deadlines) is not affected by replacing it.
var Now = time.Now

// Freeze swaps Now for a fixed instant and returns a restore func.
func Freeze(t time.Time) (restore func()) {
	prev := Now
	Now = func() time.Time { return t }
	return func() { Now = prev }
}
