package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"ok":true}`)
	uri, err := store.PutObject(context.Background(), "results/lib-1/job-1.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://results/lib-1/job-1.json", uri)

	payload[0] = '['
	body, contentType, ok := store.Object("results/lib-1/job-1.json")
	require.True(t, ok)
	require.Equal(t, `{"ok":true}`, string(body))
	require.Equal(t, "application/json", contentType)

	body[0] = 'X'
	again, _, _ := store.Object("results/lib-1/job-1.json")
	require.Equal(t, byte('{'), again[0])
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	for _, p := range []string{"b/2.json", "a/1.json"} {
		_, err := store.PutObject(ctx, p, "application/json", bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"a/1.json", "b/2.json"}, store.Paths())

	_, _, ok := store.Object("missing")
	require.False(t, ok)
}
