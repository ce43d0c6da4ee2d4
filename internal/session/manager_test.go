package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerGlobalCap(t *testing.T) {
	m := NewManager(3, 5)
	require.NoError(t, m.Admit("10.0.0.1"))
	require.NoError(t, m.Admit("10.0.0.2"))
	require.NoError(t, m.Admit("10.0.0.3"))
	assert.ErrorIs(t, m.Admit("10.0.0.4"), ErrServerFull)

	m.Release("10.0.0.1")
	assert.NoError(t, m.Admit("10.0.0.4"))
}

func TestManagerPerAddressCap(t *testing.T) {
	m := NewManager(50, 2)
	require.NoError(t, m.Admit("10.0.0.1"))
	require.NoError(t, m.Admit("10.0.0.1"))
	assert.ErrorIs(t, m.Admit("10.0.0.1"), ErrTooManyFromIP)
	assert.NoError(t, m.Admit("10.0.0.2"))
}

func TestManagerReleaseCleansUp(t *testing.T) {
	m := NewManager(50, 5)
	require.NoError(t, m.Admit("10.0.0.1"))
	m.Release("10.0.0.1")
	m.Release("10.0.0.1") // double release is harmless
	assert.Equal(t, 0, m.Count())

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Admit("10.0.0.1"))
	}
	assert.ErrorIs(t, m.Admit("10.0.0.1"), ErrTooManyFromIP)
}

func TestManagerDefaults(t *testing.T) {
	m := NewManager(0, 0)
	for i := 0; i < 50; i++ {
		require.NoError(t, m.Admit(fmt.Sprintf("10.0.0.%d", i%10)), "i=%d", i)
	}
	assert.ErrorIs(t, m.Admit("10.0.1.1"), ErrServerFull)
}
