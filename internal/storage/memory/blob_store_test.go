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
	payload := []byte(`[{"title":"a"}]`)
	uri, err := store.PutObject(context.Background(), "ingest/newsapi/batch.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://ingest/newsapi/batch.json", uri)

	payload[0] = '{'
	stored, ok := store.Object("ingest/newsapi/batch.json")
	require.True(t, ok)
	require.Equal(t, `[{"title":"a"}]`, string(stored))
	require.Equal(t, []string{"ingest/newsapi/batch.json"}, store.Paths())
}
