// Package blobclient implements the File-Blob Service Client (C3): it
// chunks, hashes, uploads, looks up, and reassembles file content over
// batched RPCs, per spec.md §4.3.
package blobclient

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/compileproxy/compileproxy/internal/wire"
)

var log = logrus.WithField("pkg", "blobclient")

// chunksPerCall and inflightBatches implement spec.md §4.3's "5 chunks per
// outgoing RPC" / "two-inflight pipeline".
const (
	chunksPerCall   = 5
	inflightBatches = 2
)

// Transport is the RPC boundary the blob client batches over — implemented
// by internal/rpcclient.
type Transport interface {
	StoreFile(ctx context.Context, req wire.StoreFileReq) (wire.StoreFileResp, error)
	LookupFile(ctx context.Context, req wire.LookupFileReq) (wire.LookupFileResp, error)
}

// Client is the File-Blob Service Client.
type Client struct {
	transport Transport
}

// New creates a Client over the given Transport.
func New(t Transport) *Client {
	return &Client{transport: t}
}

// CreateFileBlob reads path and returns the FileBlob(s) describing it: a
// single FILE blob for small files, or a FILE_META plus its FILE_CHUNKs for
// files over wire.ChunkThreshold, per spec.md §3/§4.3. The open-failed
// marker is returned (never validated, never sent) if the file can't be
// opened.
func CreateFileBlob(path string) (meta wire.FileBlob, chunks []wire.FileBlob, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return wire.OpenFailedMarker(), nil, nil
	}
	if int64(len(data)) <= wire.ChunkThreshold {
		return wire.FileBlob{Type: wire.BlobFile, FileSize: int64(len(data)), Content: data}, nil, nil
	}

	var hashKeys []string
	for offset := 0; offset < len(data); offset += wire.ChunkThreshold {
		end := offset + wire.ChunkThreshold
		if end > len(data) {
			end = len(data)
		}
		chunk := wire.FileBlob{
			Type:     wire.BlobFileChunk,
			FileSize: int64(end - offset),
			Content:  data[offset:end],
			Offset:   int64(offset),
		}
		h, herr := wire.Hash(chunk)
		if herr != nil {
			return wire.FileBlob{}, nil, errors.Wrap(herr, "hash chunk")
		}
		hashKeys = append(hashKeys, h)
		chunks = append(chunks, chunk)
	}
	meta = wire.FileBlob{Type: wire.BlobFileMeta, FileSize: int64(len(data)), HashKeys: hashKeys}
	return meta, chunks, nil
}

// StoreFile uploads path, batching chunk stores 5-per-RPC across at most
// two in-flight requests, and returns the hash of the top-level blob
// (the FILE blob's hash, or the FILE_META's hash for a chunked file). Any
// single chunk store failure fails the whole upload — no partial claim is
// made, per spec.md §4.3 step 3.
func (c *Client) StoreFile(ctx context.Context, path string) (string, error) {
	meta, chunks, err := CreateFileBlob(path)
	if err != nil {
		return "", err
	}
	if wire.IsOpenFailedMarker(meta) {
		return "", errors.Errorf("blobclient: open failed: %s", path)
	}
	if meta.Type == wire.BlobFile {
		return c.storeOne(ctx, meta)
	}

	if err := c.storeBatched(ctx, chunks); err != nil {
		return "", err
	}
	return c.storeOne(ctx, meta)
}

func (c *Client) storeOne(ctx context.Context, b wire.FileBlob) (string, error) {
	if err := wire.Validate(b); err != nil {
		return "", err
	}
	resp, err := c.transport.StoreFile(ctx, wire.StoreFileReq{Blobs: []wire.FileBlob{b}})
	if err != nil {
		return "", errors.Wrap(err, "store blob")
	}
	if len(resp.HashKeys) != 1 {
		return "", errors.New("blobclient: store response size mismatch")
	}
	return resp.HashKeys[0], nil
}

// storeBatched stores chunks in batches of chunksPerCall, with at most
// inflightBatches requests outstanding at once. The last batch waits for
// both its own and the previously in-flight batch to complete before
// returning, per spec.md §4.3 step 2.
func (c *Client) storeBatched(ctx context.Context, chunks []wire.FileBlob) error {
	for _, ch := range chunks {
		if err := wire.Validate(ch); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inflightBatches)
	for i := 0; i < len(chunks); i += chunksPerCall {
		end := i + chunksPerCall
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]
		g.Go(func() error {
			resp, err := c.transport.StoreFile(gctx, wire.StoreFileReq{Blobs: batch})
			if err != nil {
				return errors.Wrap(err, "store chunk batch")
			}
			if len(resp.HashKeys) != len(batch) {
				return errors.New("blobclient: batch response size mismatch")
			}
			return nil
		})
	}
	return g.Wait()
}

// OutputFileBlob downloads the blob addressed by hash into sink. If hash
// addresses a FILE_META, its chunks are fetched 5-keys-per-LookupFile with
// a two-inflight pipeline and written at their declared offsets; a chunk
// returned without content is a lookup miss and fails the download. On any
// error the sink is aborted rather than left holding a partial, inconsistent
// file.
func (c *Client) OutputFileBlob(ctx context.Context, hash string, sink Sink) (err error) {
	defer func() {
		if err != nil {
			sink.Abort()
		}
	}()

	resp, err := c.transport.LookupFile(ctx, wire.LookupFileReq{HashKeys: []string{hash}})
	if err != nil {
		return errors.Wrap(err, "lookup blob")
	}
	if len(resp.Blobs) != 1 {
		return errors.New("blobclient: lookup response size mismatch")
	}
	top := resp.Blobs[0]
	if top.Content == nil && top.Type != wire.BlobFileMeta {
		return errors.Errorf("blobclient: lookup miss for %s", hash)
	}

	switch top.Type {
	case wire.BlobFile:
		if err := sink.WriteAt(0, top.Content); err != nil {
			return errors.Wrap(err, "write file content")
		}
		return sink.Close()
	case wire.BlobFileMeta:
		if err := c.downloadChunks(ctx, top.HashKeys, sink); err != nil {
			return err
		}
		return sink.Close()
	default:
		return errors.Errorf("blobclient: unexpected top-level blob type %v", top.Type)
	}
}

func (c *Client) downloadChunks(ctx context.Context, hashKeys []string, sink Sink) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(inflightBatches)

	for i := 0; i < len(hashKeys); i += chunksPerCall {
		end := i + chunksPerCall
		if end > len(hashKeys) {
			end = len(hashKeys)
		}
		batch := hashKeys[i:end]
		g.Go(func() error {
			resp, err := c.transport.LookupFile(gctx, wire.LookupFileReq{HashKeys: batch})
			if err != nil {
				return errors.Wrap(err, "lookup chunk batch")
			}
			if len(resp.Blobs) != len(batch) {
				return errors.New("blobclient: chunk batch response size mismatch")
			}
			for _, b := range resp.Blobs {
				if b.Content == nil {
					return errors.New("blobclient: chunk lookup miss")
				}
				if err := sink.WriteAt(b.Offset, b.Content); err != nil {
					return errors.Wrap(err, "write chunk")
				}
			}
			return nil
		})
	}
	return g.Wait()
}
