package blobclient

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Sink is the write target for a downloaded file's content. WriteAt is
// idempotent at the offset level; Close finalizes; on error the sink
// deletes its partial output, per spec.md §4.3.
type Sink interface {
	WriteAt(offset int64, data []byte) error
	Close() error
	Abort()
}

// FileSink writes to a real file and unlinks it if Abort is called before
// Close.
type FileSink struct {
	path string
	f    *os.File
}

// NewFileSink creates (or truncates) path for writing.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create output file")
	}
	return &FileSink{path: path, f: f}, nil
}

// WriteAt writes data at offset, extending the file as needed.
func (s *FileSink) WriteAt(offset int64, data []byte) error {
	_, err := s.f.WriteAt(data, offset)
	return err
}

// Close finalizes the file.
func (s *FileSink) Close() error {
	return s.f.Close()
}

// Abort closes and deletes the partial file.
func (s *FileSink) Abort() {
	_ = s.f.Close()
	_ = os.Remove(s.path)
}

// BufferSink is an in-memory sink that grows lazily to the highest
// observed write. Growing allocates a fresh zeroed slice, so bytes in a gap
// ahead of a write read as zero until a later write covers them.
type BufferSink struct {
	mu   sync.Mutex
	data []byte
	done bool
}

// NewBufferSink creates an empty in-memory sink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

// WriteAt writes data at offset, growing the backing slice only as far as
// this write requires.
func (s *BufferSink) WriteAt(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.New("write to closed buffer sink")
	}
	end := offset + int64(len(data))
	if end > int64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[offset:end], data)
	return nil
}

// Close finalizes the sink; further writes fail.
func (s *BufferSink) Close() error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	return nil
}

// Abort discards the buffered content.
func (s *BufferSink) Abort() {
	s.mu.Lock()
	s.data = nil
	s.done = true
	s.mu.Unlock()
}

// Bytes returns the buffered content so far.
func (s *BufferSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}
