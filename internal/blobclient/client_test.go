package blobclient

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compileproxy/compileproxy/internal/wire"
)

// fakeTransport is an in-memory hash-addressed store, standing in for the
// remote backend's /s and /l endpoints.
type fakeTransport struct {
	mu    sync.Mutex
	store map[string]wire.FileBlob
	calls int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{store: make(map[string]wire.FileBlob)}
}

func (f *fakeTransport) StoreFile(ctx context.Context, req wire.StoreFileReq) (wire.StoreFileResp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	var keys []string
	for _, b := range req.Blobs {
		h, err := wire.Hash(b)
		if err != nil {
			return wire.StoreFileResp{}, err
		}
		f.store[h] = b
		keys = append(keys, h)
	}
	return wire.StoreFileResp{HashKeys: keys}, nil
}

func (f *fakeTransport) LookupFile(ctx context.Context, req wire.LookupFileReq) (wire.LookupFileResp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var blobs []wire.FileBlob
	for _, k := range req.HashKeys {
		b, ok := f.store[k]
		if !ok {
			blobs = append(blobs, wire.FileBlob{Type: wire.BlobFileChunk})
			continue
		}
		blobs = append(blobs, b)
	}
	return wire.LookupFileResp{Blobs: blobs}, nil
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "input.c")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestSmallFileSingleBlob(t *testing.T) {
	path := writeTempFile(t, 1234)
	ft := newFakeTransport()
	c := New(ft)

	hash, err := c.StoreFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, ft.calls)

	sink := NewBufferSink()
	require.NoError(t, c.OutputFileBlob(context.Background(), hash, sink))
	want, _ := os.ReadFile(path)
	assert.Equal(t, want, sink.Bytes())
}

func TestBoundaryExactlyTwoMiB(t *testing.T) {
	path := writeTempFile(t, wire.ChunkThreshold)
	meta, chunks, err := CreateFileBlob(path)
	require.NoError(t, err)
	assert.Equal(t, wire.BlobFile, meta.Type)
	assert.Nil(t, chunks)
}

func TestBoundaryOneByteOverTwoMiB(t *testing.T) {
	path := writeTempFile(t, wire.ChunkThreshold+1)
	meta, chunks, err := CreateFileBlob(path)
	require.NoError(t, err)
	assert.Equal(t, wire.BlobFileMeta, meta.Type)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(wire.ChunkThreshold), chunks[0].FileSize)
	assert.Equal(t, int64(1), chunks[1].FileSize)
}

func TestLargeFileRoundTrip(t *testing.T) {
	size := 5 * wire.ChunkThreshold
	path := writeTempFile(t, size)
	ft := newFakeTransport()
	c := New(ft)

	hash, err := c.StoreFile(context.Background(), path)
	require.NoError(t, err)

	sink := NewBufferSink()
	require.NoError(t, c.OutputFileBlob(context.Background(), hash, sink))
	want, _ := os.ReadFile(path)
	assert.Equal(t, want, sink.Bytes())
}

func TestReuploadSameBlobIsIdempotent(t *testing.T) {
	path := writeTempFile(t, 777)
	ft := newFakeTransport()
	c := New(ft)

	h1, err := c.StoreFile(context.Background(), path)
	require.NoError(t, err)
	h2, err := c.StoreFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestChunkStoreFailureFailsWholeUpload(t *testing.T) {
	path := writeTempFile(t, 3*wire.ChunkThreshold)
	ft := newFakeTransport()
	// Corrupt the transport so any batch store fails, simulating a
	// mid-upload network error: no partial claim should result.
	broken := &brokenTransport{fakeTransport: ft}
	c2 := New(broken)
	_, err := c2.StoreFile(context.Background(), path)
	assert.Error(t, err)
}

type brokenTransport struct {
	*fakeTransport
}

func (b *brokenTransport) StoreFile(ctx context.Context, req wire.StoreFileReq) (wire.StoreFileResp, error) {
	return wire.StoreFileResp{}, assert.AnError
}

func TestOpenFailedMarkerNeverSent(t *testing.T) {
	ft := newFakeTransport()
	c := New(ft)
	_, err := c.StoreFile(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	assert.Error(t, err)
	assert.Equal(t, 0, ft.calls, "open-failed marker must never reach the transport")
}
