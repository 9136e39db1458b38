package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fsouza/fake-gcs-server/fakestorage"
	"github.com/stretchr/testify/require"

	"github.com/broadinstitute/sequence-upload-to-gs/pkg/common"
)

const testBucket = "seq-test"

func newTestStore(t *testing.T) (*GCSStore, *fakestorage.Server) {
	t.Helper()
	server, err := fakestorage.NewServerWithOptions(fakestorage.Options{Scheme: "http"})
	require.NoError(t, err)
	t.Cleanup(server.Stop)
	server.CreateBucketWithOpts(fakestorage.CreateBucketOpts{Name: testBucket})
	return NewGCSStoreFromClient(server.Client()), server
}

func readObject(t *testing.T, server *fakestorage.Server, name string) []byte {
	t.Helper()
	obj, err := server.GetObject(testBucket, name)
	require.NoError(t, err)
	return obj.Content
}

func TestExistsAndUpload(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	uri := fmt.Sprintf("gs://%s/runs/R1/R1_RunInfo.xml", testBucket)

	exists, err := store.Exists(ctx, uri)
	require.NoError(t, err)
	require.False(t, exists)

	local := filepath.Join(t.TempDir(), "RunInfo.xml")
	require.NoError(t, os.WriteFile(local, []byte("<RunInfo/>"), 0o644))
	require.NoError(t, store.Upload(ctx, local, uri))

	exists, err = store.Exists(ctx, uri)
	require.NoError(t, err)
	require.True(t, exists)
}

func TestUploadStream(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()
	uri := fmt.Sprintf("gs://%s/runs/R1/R1.tar.gz", testBucket)

	require.NoError(t, store.UploadStream(ctx, strings.NewReader("payload"), uri))
	require.Equal(t, []byte("payload"), readObject(t, server, "runs/R1/R1.tar.gz"))

	// Overwrite semantics
	require.NoError(t, store.UploadStream(ctx, strings.NewReader("payload2"), uri))
	require.Equal(t, []byte("payload2"), readObject(t, server, "runs/R1/R1.tar.gz"))
}

func TestListNaturalOrderAndGlob(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("gs://%s/runs/R1/parts", testBucket)

	for _, name := range []string{"10_part-1.tar.gz", "2_part-1.tar.gz", "30_part-1.tar.gz", "notes.txt"} {
		require.NoError(t, store.UploadStream(ctx, strings.NewReader(name), JoinURI(prefix, name)))
	}

	uris, err := store.List(ctx, prefix, "*.tar.gz")
	require.NoError(t, err)
	require.Equal(t, []string{
		JoinURI(prefix, "2_part-1.tar.gz"),
		JoinURI(prefix, "10_part-1.tar.gz"),
		JoinURI(prefix, "30_part-1.tar.gz"),
	}, uris)
}

func TestComposeOrderAndFanIn(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("gs://%s/runs/R1", testBucket)
	target := JoinURI(prefix, "R1.tar.gz")

	var sources []string
	for i := 0; i < 3; i++ {
		uri := JoinURI(prefix, fmt.Sprintf("parts/%d_part-1.tar.gz", i))
		require.NoError(t, store.UploadStream(ctx, strings.NewReader(fmt.Sprintf("seg%d", i)), uri))
		sources = append(sources, uri)
	}

	require.NoError(t, store.Compose(ctx, target, sources))
	require.Equal(t, []byte("seg0seg1seg2"), readObject(t, server, "runs/R1/R1.tar.gz"))

	tooMany := make([]string, common.ComposeFanInMax+1)
	for i := range tooMany {
		tooMany[i] = sources[0]
	}
	err := store.Compose(ctx, target, tooMany)
	require.ErrorIs(t, err, common.ErrComposeFailed)
}

func TestDeleteMany(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	prefix := fmt.Sprintf("gs://%s/runs/R1/parts", testBucket)

	var uris []string
	for i := 0; i < 3; i++ {
		uri := JoinURI(prefix, fmt.Sprintf("%d_part-1.tar.gz", i))
		require.NoError(t, store.UploadStream(ctx, strings.NewReader("x"), uri))
		uris = append(uris, uri)
	}
	require.NoError(t, store.DeleteMany(ctx, uris))

	left, err := store.List(ctx, prefix, "*.tar.gz")
	require.NoError(t, err)
	require.Empty(t, left)

	// Deleting a missing object is not an error at this layer.
	require.NoError(t, store.Delete(ctx, uris[0]))
}

func TestUploadMissingLocalFile(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Upload(context.Background(), "/nonexistent/chunk.tar.gz",
		fmt.Sprintf("gs://%s/x", testBucket))
	require.Error(t, err)
}
