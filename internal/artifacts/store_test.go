package artifacts

import (
	"context"
	"testing"

	"github.com/necrocode/necrocode/internal/registry"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_UploadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)

	uri, err := store.Upload(context.Background(), registry.ArtifactDiff, []byte("diff --git a b"), nil)
	require.NoError(t, err)
	require.Contains(t, uri, "file://")
	require.Contains(t, uri, dir)
}
