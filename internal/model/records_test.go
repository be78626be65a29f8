package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewJoinCode(t *testing.T) {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code := NewJoinCode()
		require.Len(t, code, 8)
		for _, c := range code {
			require.Contains(t, letters, string(c))
		}
		require.False(t, seen[code], "duplicate join code %q", code)
		seen[code] = true
	}
}

func TestNewID(t *testing.T) {
	require.NotEqual(t, NewID(), NewID())
}
