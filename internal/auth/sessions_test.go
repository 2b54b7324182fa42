// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/devicewall/internal/clock"
)

func TestHashAndVerifyCredential(t *testing.T) {
	hash, err := HashCredential("correct-horse-battery-staple-9")
	require.NoError(t, err)
	require.True(t, VerifyCredential(hash, "correct-horse-battery-staple-9"))
	require.False(t, VerifyCredential(hash, "wrong"))
}

func TestHashCredentialRejectsWeak(t *testing.T) {
	_, err := HashCredential("aaaa")
	require.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	m := NewSessionManager(time.Hour)
	s, err := m.Create()
	require.NoError(t, err)
	require.Len(t, s.Token, 64)
	require.True(t, m.Validate(s.Token))

	m.Revoke(s.Token)
	require.False(t, m.Validate(s.Token))
}

func TestSessionExpiry(t *testing.T) {
	m := NewSessionManager(time.Hour)
	s, err := m.Create()
	require.NoError(t, err)

	restore := clock.Freeze(time.Now().Add(2 * time.Hour))
	defer restore()

	require.False(t, m.Validate(s.Token))
}

func TestPruneEvictsExpired(t *testing.T) {
	m := NewSessionManager(time.Hour)
	s1, err := m.Create()
	require.NoError(t, err)
	_, err = m.Create()
	require.NoError(t, err)

	restore := clock.Freeze(time.Now().Add(2 * time.Hour))
	m.Prune()
	restore()

	require.False(t, m.Validate(s1.Token))
	require.Empty(t, m.sessions)
}
