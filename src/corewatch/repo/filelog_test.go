package repo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianpay/corewatch"
)

func TestFileEventRepository_CreateThenReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	r, err := NewFileEventRepository(path)
	require.NoError(t, err)

	require.NoError(t, r.Create(context.Background(), &corewatch.Event{ID: "e1", Type: corewatch.EventPaymentDetected}))
	require.NoError(t, r.Create(context.Background(), &corewatch.Event{ID: "e2", Type: corewatch.EventPaymentConfirmed}))

	events, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].ID)
	assert.Equal(t, "e2", events[1].ID)
}

func TestFileEventRepository_ReadAllOnMissingFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent", "events.ndjson")
	r := &FileEventRepository{filePath: path}

	events, err := r.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, events)
}
