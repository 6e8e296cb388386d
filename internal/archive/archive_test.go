package archive

import (
	"context"
	"io"
	"testing"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "sess-1/task_3/frame_000025.jpg", Key("sess-1", "task_3", 25))
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Put(context.Background(), "k", []byte{1}))
}

func TestMinIOStore_Put(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	container, err := tcminio.Run(ctx,
		"minio/minio:latest",
		tcminio.WithUsername("minioadmin"),
		tcminio.WithPassword("minioadmin"),
	)
	require.NoError(t, err)
	defer container.Terminate(ctx)

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	store, err := NewMinIOStore(Config{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "frames",
	})
	require.NoError(t, err)
	require.NoError(t, store.EnsureBucket(ctx))
	require.NoError(t, store.EnsureBucket(ctx), "EnsureBucket is idempotent")

	key := Key("sess-1", "task_1", 5)
	payload := []byte{0xff, 0xd8, 0xff, 0xe0}
	require.NoError(t, store.Put(ctx, key, payload))

	obj, err := store.client.GetObject(ctx, "frames", key, miniogo.GetObjectOptions{})
	require.NoError(t, err)
	defer obj.Close()

	got, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	info, err := obj.Stat()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", info.ContentType)
}
