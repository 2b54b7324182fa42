// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import (
	"net"
	"regexp"
	"strings"

	"grimm.is/devicewall/internal/errors"
)

// ipPortRE matches the source address Xray-style access logs print, with or
// without the "tcp:" scheme prefix: "from 203.0.113.4:51514" or
// "from tcp:203.0.113.4:51514".
var ipPortRE = regexp.MustCompile(`from (?:tcp:)?(\d+\.\d+\.\d+\.\d+):\d+`)

// emailRE matches the subscriber token field: "email: user_1042".
var emailRE = regexp.MustCompile(`email:\s*(\S+)`)

// subscriberPrefix is the display prefix subscriber tokens may carry.
const subscriberPrefix = "user_"

// ParseAccessLogLine extracts a subscriber/IP pair from one VPN access log
// line. It returns ok=false for lines that don't carry both fields
// (handshake noise, warnings, and other non-connection lines), which the
// caller should skip rather than treat as an error.
func ParseAccessLogLine(line string) (entry LogEntry, ok bool) {
	ipMatch := ipPortRE.FindStringSubmatch(line)
	emailMatch := emailRE.FindStringSubmatch(line)
	if ipMatch == nil || emailMatch == nil {
		return LogEntry{}, false
	}
	return LogEntry{
		Subscriber: NormalizeSubscriberID(emailMatch[1]),
		IP:         ipMatch[1],
	}, true
}

// NormalizeSubscriberID strips the display prefix from a raw subscriber
// token, e.g. "user_1042" -> "1042". Tokens without the prefix pass
// through unchanged.
func NormalizeSubscriberID(raw string) string {
	return strings.TrimPrefix(raw, subscriberPrefix)
}

// ValidateIPv4 reports whether s parses as a dotted-quad IPv4 address,
// rejecting IPv6 and anything malformed before it reaches the connection
// index.
func ValidateIPv4(s string) error {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return errors.New(errors.KindValidation, "not a valid IPv4 address: "+s)
	}
	return nil
}
