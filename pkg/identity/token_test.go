package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestActor_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	token, err := Mint("secret", "alice", time.Hour, now)
	require.NoError(t, err)

	v := NewVerifier("secret").WithClock(func() time.Time { return now })
	actor, err := v.Actor("Bearer " + token)
	require.NoError(t, err)
	require.Equal(t, "alice", actor)
}

func TestActor_WrongSecret(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	token, err := Mint("secret", "alice", time.Hour, now)
	require.NoError(t, err)

	v := NewVerifier("other").WithClock(func() time.Time { return now })
	_, err = v.Actor("Bearer " + token)
	require.Error(t, err)
}

func TestActor_Expired(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	token, err := Mint("secret", "alice", time.Minute, now)
	require.NoError(t, err)

	v := NewVerifier("secret").WithClock(func() time.Time { return now.Add(time.Hour) })
	_, err = v.Actor("Bearer " + token)
	require.Error(t, err)
}

func TestVerifier_Disabled(t *testing.T) {
	v := NewVerifier("")
	require.False(t, v.Enabled())
	_, err := v.Actor("Bearer whatever")
	require.Error(t, err)
}
