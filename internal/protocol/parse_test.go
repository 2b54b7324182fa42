// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package protocol

import "testing"

func TestParseAccessLogLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		want LogEntry
		ok   bool
	}{
		{
			name: "plain tcp scheme",
			line: `2026/07/29 10:00:00 from tcp:203.0.113.4:51514 accepted tcp:example.com:443 email: user_1042`,
			want: LogEntry{Subscriber: "1042", IP: "203.0.113.4"},
			ok:   true,
		},
		{
			name: "no scheme prefix",
			line: `2026/07/29 10:00:01 from 198.51.100.9:4455 accepted udp:example.com:443 email: user_77`,
			want: LogEntry{Subscriber: "77", IP: "198.51.100.9"},
			ok:   true,
		},
		{
			name: "subscriber without prefix passes through",
			line: `from tcp:203.0.113.4:51514 accepted email: rawtoken`,
			want: LogEntry{Subscriber: "rawtoken", IP: "203.0.113.4"},
			ok:   true,
		},
		{
			name: "no email field",
			line: `2026/07/29 10:00:02 from tcp:203.0.113.4:51514 accepted tcp:example.com:443`,
			ok:   false,
		},
		{
			name: "unrelated line",
			line: `2026/07/29 10:00:03 Xray 1.8.0 started`,
			ok:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseAccessLogLine(tc.line)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestNormalizeSubscriberID(t *testing.T) {
	if got := NormalizeSubscriberID("user_1042"); got != "1042" {
		t.Errorf("got %s, want 1042", got)
	}
	if got := NormalizeSubscriberID("1042"); got != "1042" {
		t.Errorf("got %s, want 1042 unchanged", got)
	}
}

func TestValidateIPv4(t *testing.T) {
	if err := ValidateIPv4("203.0.113.4"); err != nil {
		t.Errorf("expected valid, got %v", err)
	}
	if err := ValidateIPv4("not-an-ip"); err == nil {
		t.Error("expected error for garbage input")
	}
	if err := ValidateIPv4("2001:db8::1"); err == nil {
		t.Error("expected error for ipv6 input")
	}
}
