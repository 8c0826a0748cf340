// Package rpcclient implements the Remote RPC Client (C5): an
// authenticated, compressed, retrying request/response transport to the
// compile backend, per spec.md §4.5.
package rpcclient

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/compileproxy/compileproxy/internal/batcher"
	"github.com/compileproxy/compileproxy/internal/pacer"
	"github.com/compileproxy/compileproxy/internal/wire"
)

var log = logrus.WithField("pkg", "rpcclient")

// Status is the per-call outcome record every RPC produces, per spec.md §7
// "Propagation".
type Status struct {
	Err                error
	ErrMessage         string
	HTTPResponseHeader http.Header
	HTTPStatusCode     int
	ConnectSuccess     bool
	Finished           bool
	TimeoutsConsumed   int
	AuthClass          AuthClass
}

// ErrorKind classifies an RPC failure per spec.md §7.
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorTransportTransient
	ErrorTransportAuth
	ErrorTransportPermanent
)

// Encoding is a content-encoding the client can negotiate.
type Encoding string

const (
	EncodingNone    Encoding = ""
	EncodingDeflate Encoding = "deflate"
	EncodingGzip    Encoding = "gzip"
)

// Options configures a Client.
type Options struct {
	BaseURL            string
	Timeouts           []time.Duration // per-call timeout list, retried through in order
	PingTimeout        time.Duration
	InitialEncoding    Encoding
	CompressionLevel   int
	Auth               *Chain
	NetworkMonitor     *NetworkMonitor
	MaxReqInCall       int           // MultiHttpRPC batch trigger: item count
	ReqSizeThreshold   int           // MultiHttpRPC batch trigger: bytes
	CheckInterval      time.Duration // MultiHttpRPC batch trigger: time
}

// Client is the Remote RPC Client.
type Client struct {
	opt    Options
	http   *http.Client
	pacer  *pacer.Pacer

	mu           sync.Mutex
	serverAccept []Encoding // Accept-Encoding advertised by the server on the last response
	ready        bool

	storeBatcher  *batcher.Batcher[wire.FileBlob, string]
	lookupBatcher *batcher.Batcher[string, wire.FileBlob]
}

// New creates a Client. Call Ping before issuing any other RPC.
func New(opt Options) *Client {
	c := &Client{
		opt:  opt,
		http: &http.Client{},
		pacer: pacer.New(
			pacer.CalculatorOption(pacer.NewDefault()),
			pacer.RetriesOption(len(opt.Timeouts)),
		),
	}
	mode := batcher.ModeAsync
	if opt.MaxReqInCall <= 1 {
		mode = batcher.ModeOff
	}
	c.storeBatcher, _ = batcher.New[wire.FileBlob, string](batcher.Options{
		Mode: mode, Size: maxOf(opt.MaxReqInCall, 1), Timeout: opt.CheckInterval, MaxBatchSize: 64,
	}, c.commitStoreBatch)
	c.lookupBatcher, _ = batcher.New[string, wire.FileBlob](batcher.Options{
		Mode: mode, Size: maxOf(opt.MaxReqInCall, 1), Timeout: opt.CheckInterval, MaxBatchSize: 64,
	}, c.commitLookupBatch)
	return c
}

func maxOf(v, min int) int {
	if v < min {
		return min
	}
	return v
}

// Ping blocks until the backend's /ping returns 200 within PingTimeout,
// retrying with backoff on connect failures, 5xx, and 401 (only while
// OAuth2 is valid), per spec.md §4.5.
func (c *Client) Ping(ctx context.Context) error {
	deadline := time.Now().Add(c.opt.PingTimeout)
	pingPacer := pacer.New(pacer.CalculatorOption(pacer.NewDefault(pacer.MinSleep(50*time.Millisecond), pacer.MaxSleep(5*time.Second))))
	var lastErr error
	for first := true; first || time.Now().Before(deadline); first = false {
		permanent := false
		err := pingPacer.Call(func() (bool, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opt.BaseURL+"/ping", nil)
			if err != nil {
				permanent = true
				return false, err
			}
			resp, err := c.http.Do(req)
			if err != nil {
				return true, err
			}
			defer resp.Body.Close()
			c.noteServerEncoding(resp.Header)
			switch {
			case resp.StatusCode == http.StatusOK:
				return false, nil
			case resp.StatusCode == http.StatusUnauthorized:
				retry := c.opt.Auth.oauth2Valid(ctx)
				permanent = !retry
				return retry, errors.Errorf("ping: 401")
			case resp.StatusCode >= 500:
				return true, errors.Errorf("ping: %d", resp.StatusCode)
			default:
				permanent = true
				return false, errors.Errorf("ping: %d", resp.StatusCode)
			}
		})
		if err == nil {
			c.mu.Lock()
			c.ready = true
			c.mu.Unlock()
			return nil
		}
		lastErr = err
		if permanent {
			break
		}
		log.WithError(err).Debug("ping retrying")
	}
	return errors.Wrap(lastErr, "ping failed within budget")
}

func (c *Client) noteServerEncoding(h http.Header) {
	accept := h.Get("Accept-Encoding")
	if accept == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serverAccept = nil
	for _, tok := range splitCSV(accept) {
		switch tok {
		case "gzip":
			c.serverAccept = append(c.serverAccept, EncodingGzip)
		case "deflate":
			c.serverAccept = append(c.serverAccept, EncodingDeflate)
			// lzma2 is intentionally never auto-enabled, per spec.md §4.5.
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			tok := trimSpace(s[start:i])
			if tok != "" {
				out = append(out, tok)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && s[i] == ' ' {
		i++
	}
	for j > i && s[j-1] == ' ' {
		j--
	}
	return s[i:j]
}

// negotiatedEncoding picks gzip over deflate once the server has
// advertised its Accept-Encoding; before that, the first request uses the
// operator-configured encoding, per spec.md §4.5.
func (c *Client) negotiatedEncoding() Encoding {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.serverAccept {
		if e == EncodingGzip {
			return EncodingGzip
		}
	}
	for _, e := range c.serverAccept {
		if e == EncodingDeflate {
			return EncodingDeflate
		}
	}
	return c.opt.InitialEncoding
}

func (c *Client) compress(enc Encoding, data []byte) ([]byte, error) {
	switch enc {
	case EncodingGzip:
		var buf bytes.Buffer
		w, err := gzip.NewWriterLevel(&buf, c.opt.CompressionLevel)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case EncodingDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, c.opt.CompressionLevel)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return data, nil
	}
}

// classify maps an HTTP status / transport error to an ErrorKind, per
// spec.md §7.
func classify(statusCode int, connectErr error) ErrorKind {
	if connectErr != nil {
		return ErrorTransportTransient
	}
	switch {
	case statusCode == http.StatusRequestTimeout || statusCode >= 500:
		return ErrorTransportTransient
	case statusCode == http.StatusUnauthorized:
		return ErrorTransportAuth
	case statusCode >= 400:
		return ErrorTransportPermanent
	default:
		return ErrorNone
	}
}

// call performs one JSON RPC against path through the Pacer, escalating
// through opt.Timeouts on each retry and backing off between attempts on
// TransportTransient and (while OAuth2 is valid) TransportAuth errors, per
// spec.md §4.5 "per-call timeout list".
func (c *Client) call(ctx context.Context, path string, reqBody, respBody interface{}) (Status, error) {
	status := Status{}
	timeouts := c.opt.Timeouts
	if len(timeouts) == 0 {
		timeouts = []time.Duration{30 * time.Second}
	}
	timeoutIdx := 0

	err := c.pacer.Call(func() (bool, error) {
		timeout := timeouts[timeoutIdx]
		if timeoutIdx < len(timeouts)-1 {
			timeoutIdx++
		}
		status.TimeoutsConsumed++

		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := c.doOnce(callCtx, path, reqBody, respBody, &status)
		if err == nil {
			status.Finished = true
			if c.opt.NetworkMonitor != nil {
				c.opt.NetworkMonitor.RecordSuccess()
			}
			return false, nil
		}

		var connectErr error
		if !status.ConnectSuccess {
			connectErr = err
		}
		kind := classify(status.HTTPStatusCode, connectErr)
		if c.opt.NetworkMonitor != nil && kind == ErrorTransportTransient {
			c.opt.NetworkMonitor.RecordError()
		}
		switch kind {
		case ErrorTransportTransient:
			return true, err
		case ErrorTransportAuth:
			return c.opt.Auth.oauth2Valid(ctx), err
		default:
			return false, err
		}
	})
	status.Err = err
	return status, err
}

func (c *Client) doOnce(ctx context.Context, path string, reqBody, respBody interface{}, status *Status) error {
	var bodyReader io.Reader
	enc := c.negotiatedEncoding()
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		data, err = c.compress(enc, data)
		if err != nil {
			return errors.Wrap(err, "compress request")
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opt.BaseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if enc != EncodingNone {
		req.Header.Set("Content-Encoding", string(enc))
	}
	if c.opt.Auth != nil {
		cred, err := c.opt.Auth.Credential(ctx)
		if err == nil && cred.Header != "" {
			req.Header.Set("Authorization", cred.Header)
			status.AuthClass = cred.Class
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		status.ConnectSuccess = false
		return err
	}
	status.ConnectSuccess = true
	defer resp.Body.Close()
	status.HTTPResponseHeader = resp.Header
	status.HTTPStatusCode = resp.StatusCode
	c.noteServerEncoding(resp.Header)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	kind := classify(resp.StatusCode, nil)
	if kind != ErrorNone {
		status.ErrMessage = string(body)
		return errors.Errorf("rpc %s: http %d", path, resp.StatusCode)
	}
	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return errors.Wrap(err, "unmarshal response")
		}
	}
	return nil
}

// Exec issues a compile request to the backend, per spec.md §4.5/§4.7.
func (c *Client) Exec(ctx context.Context, req wire.ExecReq) (wire.ExecResp, Status, error) {
	var resp wire.ExecResp
	status, err := c.call(ctx, "/e", req, &resp)
	return resp, status, err
}

// StoreFile implements blobclient.Transport, item-batching individual
// blobs across concurrent callers via MultiHttpRPC, per spec.md §4.5.
func (c *Client) StoreFile(ctx context.Context, req wire.StoreFileReq) (wire.StoreFileResp, error) {
	var keys []string
	for _, b := range req.Blobs {
		h, err := c.storeBatcher.Commit(ctx, b)
		if err != nil {
			return wire.StoreFileResp{}, err
		}
		keys = append(keys, h)
	}
	return wire.StoreFileResp{HashKeys: keys}, nil
}

func (c *Client) commitStoreBatch(ctx context.Context, items []wire.FileBlob, results []string, errs []error) error {
	var resp wire.StoreFileResp
	_, err := c.call(ctx, "/s", wire.StoreFileReq{Blobs: items}, &resp)
	if err != nil {
		return err
	}
	if len(resp.HashKeys) != len(items) {
		return errors.New("rpcclient: store batch response size mismatch")
	}
	copy(results, resp.HashKeys)
	return nil
}

// LookupFile implements blobclient.Transport.
func (c *Client) LookupFile(ctx context.Context, req wire.LookupFileReq) (wire.LookupFileResp, error) {
	var blobs []wire.FileBlob
	for _, k := range req.HashKeys {
		b, err := c.lookupBatcher.Commit(ctx, k)
		if err != nil {
			return wire.LookupFileResp{}, err
		}
		blobs = append(blobs, b)
	}
	return wire.LookupFileResp{Blobs: blobs}, nil
}

func (c *Client) commitLookupBatch(ctx context.Context, items []string, results []wire.FileBlob, errs []error) error {
	var resp wire.LookupFileResp
	_, err := c.call(ctx, "/l", wire.LookupFileReq{HashKeys: items}, &resp)
	if err != nil {
		return err
	}
	if len(resp.Blobs) != len(items) {
		return errors.New("rpcclient: lookup batch response size mismatch")
	}
	copy(results, resp.Blobs)
	return nil
}

// SaveLog ships a structured exec-log entry to the backend.
func (c *Client) SaveLog(ctx context.Context, req wire.SaveLogReq) error {
	var resp wire.SaveLogResp
	_, err := c.call(ctx, "/sl", req, &resp)
	return err
}

// Settings fetches backend compile settings for hermeticity checks.
func (c *Client) Settings(ctx context.Context) (wire.SettingsResp, error) {
	var resp wire.SettingsResp
	_, err := c.call(ctx, "/settings", wire.SettingsReq{}, &resp)
	return resp, err
}

// Close flushes any pending batches.
func (c *Client) Close() {
	c.storeBatcher.Shutdown()
	c.lookupBatcher.Shutdown()
}

// Ready reports whether Ping has ever succeeded.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}
