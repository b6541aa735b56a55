package cursor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/corewatch"
)

func TestMemoryStore_GetCursorNotFoundInitially(t *testing.T) {
	s := NewMemoryStore()
	_, found, err := s.GetCursor(context.Background(), corewatch.ChainBTC)
	require.NoError(t, err)
	assert.False(t, found, "a chain never written must report not-found, not height zero as if seen")
}

func TestMemoryStore_SetThenGetRoundTrips(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SetCursor(context.Background(), corewatch.ChainBTC, 100))

	height, found, err := s.GetCursor(context.Background(), corewatch.ChainBTC)
	require.NoError(t, err)
	require.True(t, found)
	assert.EqualValues(t, 100, height)
}

func TestMemoryStore_RejectsBackwardMovement(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SetCursor(context.Background(), corewatch.ChainZEC, 200))

	err := s.SetCursor(context.Background(), corewatch.ChainZEC, 150)
	require.Error(t, err)

	height, _, _ := s.GetCursor(context.Background(), corewatch.ChainZEC)
	assert.EqualValues(t, 200, height, "a rejected backward write must not mutate the stored cursor")
}

func TestMemoryStore_ChainsAreIndependent(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SetCursor(context.Background(), corewatch.ChainBTC, 50))

	_, found, err := s.GetCursor(context.Background(), corewatch.ChainZEC)
	require.NoError(t, err)
	assert.False(t, found)
}
