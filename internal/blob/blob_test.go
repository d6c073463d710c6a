package blob

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "cat-1/abc/events.csv", []byte("a,b\n1,2\n"), "text/csv"))
	data, err := s.Get(ctx, "cat-1/abc/events.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	require.NoError(t, s.Put(ctx, "cat-1/abc/events.csv", []byte("replaced"), ""))
	data, err = s.Get(ctx, "cat-1/abc/events.csv")
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))

	require.NoError(t, s.Delete(ctx, "cat-1/abc/events.csv"))
	_, err = s.Get(ctx, "cat-1/abc/events.csv")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, s.Delete(ctx, "cat-1/abc/events.csv"))
}

func TestCleanKey(t *testing.T) {
	for _, bad := range []string{"", "../etc/passwd", "/abs/path", "a/../../b", ".."} {
		_, err := cleanKey(bad)
		assert.Error(t, err, bad)
	}
	k, err := cleanKey("a/./b//c.csv")
	require.NoError(t, err)
	assert.Equal(t, "a/b/c.csv", k)
}

func TestLocalStore_RejectsEscape(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Put(context.Background(), "../outside.csv", []byte("x"), ""))
}

func TestNewMinio_RequiresBucket(t *testing.T) {
	_, err := NewMinio(MinioConfig{Endpoint: "localhost:9000"})
	assert.Error(t, err)

	s, err := NewMinio(MinioConfig{Endpoint: "localhost:9000", Bucket: "uploads", Region: "us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "uploads", s.bucket)
}
