// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package auth

import (
	"strings"
	"testing"
)

func TestValidatePasswordTooShort(t *testing.T) {
	err := ValidatePassword("short", DefaultPasswordPolicy())
	if err == nil {
		t.Fatal("expected error for short credential")
	}
	if !strings.Contains(err.Error(), "at least 12") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidatePasswordCommon(t *testing.T) {
	err := ValidatePassword("password12345678", DefaultPasswordPolicy())
	if err == nil {
		t.Fatal("expected common credential to be rejected")
	}
}

func TestValidatePasswordStrong(t *testing.T) {
	if err := ValidatePassword("Tr0uz&wide-meadow!7", DefaultPasswordPolicy()); err != nil {
		t.Fatalf("strong credential rejected: %v", err)
	}
}

func TestCalculateStrengthPenalties(t *testing.T) {
	tests := []struct {
		name     string
		password string
		wantWeak bool
	}{
		{"repeated run", "aaabbbcccddd", true},
		{"sequential", "abcdefghijkl", true},
		{"mixed strong", "K9#plume-Ostrich4", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := CalculateStrength(tt.password, DefaultPasswordPolicy())
			if tt.wantWeak && s.MeetsPolicy {
				t.Fatalf("expected %q to fail policy (entropy %.1f)", tt.password, s.Entropy)
			}
			if !tt.wantWeak && !s.MeetsPolicy {
				t.Fatalf("expected %q to pass policy (entropy %.1f, feedback %v)", tt.password, s.Entropy, s.Feedback)
			}
		})
	}
}

func TestCharsetSize(t *testing.T) {
	s := CalculateStrength("onlylowercaseletters", DefaultPasswordPolicy())
	if s.CharsetSize != 26 {
		t.Fatalf("expected pool 26, got %d", s.CharsetSize)
	}
	s = CalculateStrength("Mixed1-CaseDigits", DefaultPasswordPolicy())
	if s.CharsetSize != 26+26+10+33 {
		t.Fatalf("expected full pool, got %d", s.CharsetSize)
	}
}
