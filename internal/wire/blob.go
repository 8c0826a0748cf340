// Package wire defines the messages exchanged between the client shim, the
// proxy's front gate, and the remote backend. Message shapes follow the
// teacher's fs/rc idiom (plain structs, JSON on the wire) rather than literal
// protobuf — see DESIGN.md for why.
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"
)

// ChunkThreshold is the largest a file may be before it is split into
// FILE_CHUNK blobs described by a FILE_META.
const ChunkThreshold = 2 << 20 // 2 MiB

// BlobType discriminates the three FileBlob variants.
type BlobType int

const (
	// BlobFile carries the whole file inline.
	BlobFile BlobType = iota
	// BlobFileMeta lists the ordered hash keys of a chunked file.
	BlobFileMeta
	// BlobFileChunk carries one chunk of a larger file, inline, at an offset.
	BlobFileChunk
)

func (t BlobType) String() string {
	switch t {
	case BlobFile:
		return "FILE"
	case BlobFileMeta:
		return "FILE_META"
	case BlobFileChunk:
		return "FILE_CHUNK"
	default:
		return "UNKNOWN"
	}
}

// FileBlob is the unit of content shipped with a compile, per spec.md §3.
type FileBlob struct {
	Type     BlobType `json:"type"`
	FileSize int64    `json:"file_size"`
	Content  []byte   `json:"content,omitempty"`
	HashKeys []string `json:"hash_keys,omitempty"`
	Offset   int64    `json:"offset,omitempty"`
}

// ErrInvalidFileBlob is returned by Validate when a blob violates the
// invariants in spec.md §3.
var ErrInvalidFileBlob = errors.New("invalid file blob")

// OpenFailedMarker is the canonical "open failed" blob: it must never be
// sent over the wire, only used locally to signal a read error.
func OpenFailedMarker() FileBlob {
	return FileBlob{Type: BlobFile, FileSize: -1}
}

// IsOpenFailedMarker reports whether b is the canonical open-failed marker.
func IsOpenFailedMarker(b FileBlob) bool {
	return b.FileSize < 0
}

// Validate enforces the per-type shape rules from spec.md §3. It does not
// accept the open-failed marker — callers must special-case that before
// validating, since a blob with FileSize < 0 must never reach the wire.
func Validate(b FileBlob) error {
	if IsOpenFailedMarker(b) {
		return errors.Wrap(ErrInvalidFileBlob, "open-failed marker must not be sent")
	}
	switch b.Type {
	case BlobFile:
		if b.Offset != 0 || len(b.HashKeys) != 0 {
			return errors.Wrap(ErrInvalidFileBlob, "FILE must have no offset or hash_keys")
		}
	case BlobFileMeta:
		if b.Offset != 0 || len(b.Content) != 0 {
			return errors.Wrap(ErrInvalidFileBlob, "FILE_META must have no offset or content")
		}
		if len(b.HashKeys) < 2 {
			return errors.Wrap(ErrInvalidFileBlob, "FILE_META needs at least 2 hash_keys")
		}
	case BlobFileChunk:
		if len(b.HashKeys) != 0 {
			return errors.Wrap(ErrInvalidFileBlob, "FILE_CHUNK must have no hash_keys")
		}
		if int64(len(b.Content)) != b.FileSize {
			return errors.Wrap(ErrInvalidFileBlob, "FILE_CHUNK file_size must equal content length")
		}
	default:
		return errors.Wrap(ErrInvalidFileBlob, "unknown blob type")
	}
	return nil
}

// Hash returns the lowercase hex SHA-256 of the canonical serialized blob,
// per spec.md §6 "Wire blobs". Canonical serialization is the blob's JSON
// encoding with struct field order fixed by the Go type — the same bytes are
// produced for the same logical blob on every call.
func Hash(b FileBlob) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", errors.Wrap(err, "serialize blob")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
