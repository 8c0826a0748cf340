package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFile(t *testing.T) {
	b := FileBlob{Type: BlobFile, FileSize: 3, Content: []byte("abc")}
	require.NoError(t, Validate(b))

	b.Offset = 1
	assert.Error(t, Validate(b))
}

func TestValidateFileMeta(t *testing.T) {
	b := FileBlob{Type: BlobFileMeta, FileSize: 10, HashKeys: []string{"a", "b"}}
	require.NoError(t, Validate(b))

	b.HashKeys = []string{"a"}
	assert.Error(t, Validate(b), "needs at least 2 hash keys")

	b.HashKeys = []string{"a", "b"}
	b.Content = []byte("x")
	assert.Error(t, Validate(b), "must have no content")
}

func TestValidateFileChunk(t *testing.T) {
	b := FileBlob{Type: BlobFileChunk, FileSize: 3, Content: []byte("abc"), Offset: 10}
	require.NoError(t, Validate(b))

	b.FileSize = 4
	assert.Error(t, Validate(b), "file_size must match content length")

	b.FileSize = 3
	b.HashKeys = []string{"nope"}
	assert.Error(t, Validate(b), "must have no hash keys")
}

func TestOpenFailedMarkerNeverValidates(t *testing.T) {
	m := OpenFailedMarker()
	assert.True(t, IsOpenFailedMarker(m))
	assert.Error(t, Validate(m))
}

func TestHashIsStableAndAddressable(t *testing.T) {
	a := FileBlob{Type: BlobFile, FileSize: 3, Content: []byte("abc")}
	b := FileBlob{Type: BlobFile, FileSize: 3, Content: []byte("abc")}
	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)

	c := FileBlob{Type: BlobFile, FileSize: 3, Content: []byte("abd")}
	hc, err := Hash(c)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)
}
