package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compileproxy/compileproxy/internal/wire"
)

func TestPingRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, PingTimeout: time.Second, Auth: &Chain{}})
	err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Ready())
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&calls)), 3)
}

func TestPingFailsWithoutRetryOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, PingTimeout: 200 * time.Millisecond, Auth: &Chain{}})
	err := c.Ping(context.Background())
	assert.Error(t, err)
	assert.False(t, c.Ready())
}

func TestExecRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wire.ExecReq
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "trace-1", req.TraceID)
		resp := wire.ExecResp{ExitStatus: 0, StdOut: []byte("ok")}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeouts: []time.Duration{time.Second}, Auth: &Chain{}})
	resp, status, err := c.Exec(context.Background(), wire.ExecReq{TraceID: "trace-1"})
	require.NoError(t, err)
	assert.True(t, status.Finished)
	assert.Equal(t, 0, resp.ExitStatus)
	assert.Equal(t, []byte("ok"), resp.StdOut)
}

func TestExecRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(wire.ExecResp{ExitStatus: 0})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeouts: []time.Duration{time.Second, time.Second}, Auth: &Chain{}})
	_, status, err := c.Exec(context.Background(), wire.ExecReq{})
	require.NoError(t, err)
	assert.True(t, status.Finished)
	assert.GreaterOrEqual(t, status.TimeoutsConsumed, 2)
}

func TestExecDoesNotRetryOnPermanentError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeouts: []time.Duration{time.Second, time.Second}, Auth: &Chain{}})
	_, _, err := c.Exec(context.Background(), wire.ExecReq{})
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStoreFileAndLookupFileThroughBatcher(t *testing.T) {
	var storeCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/s":
			atomic.AddInt32(&storeCalls, 1)
			var req wire.StoreFileReq
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			keys := make([]string, len(req.Blobs))
			for i := range req.Blobs {
				keys[i] = "hash-" + string(rune('a'+i))
			}
			json.NewEncoder(w).Encode(wire.StoreFileResp{HashKeys: keys})
		case "/l":
			var req wire.LookupFileReq
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			blobs := make([]wire.FileBlob, len(req.HashKeys))
			for i, k := range req.HashKeys {
				blobs[i] = wire.FileBlob{Type: wire.BlobFile, Content: []byte(k)}
			}
			json.NewEncoder(w).Encode(wire.LookupFileResp{Blobs: blobs})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(Options{
		BaseURL: srv.URL, Timeouts: []time.Duration{time.Second}, Auth: &Chain{},
		MaxReqInCall: 3, CheckInterval: 50 * time.Millisecond,
	})
	defer c.Close()

	resp, err := c.StoreFile(context.Background(), wire.StoreFileReq{
		Blobs: []wire.FileBlob{{Type: wire.BlobFile, Content: []byte("a")}},
	})
	require.NoError(t, err)
	require.Len(t, resp.HashKeys, 1)

	lresp, err := c.LookupFile(context.Background(), wire.LookupFileReq{HashKeys: []string{resp.HashKeys[0]}})
	require.NoError(t, err)
	require.Len(t, lresp.Blobs, 1)
}

func TestNegotiatedEncodingPrefersGzipOverDeflate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Encoding", "deflate, gzip")
		json.NewEncoder(w).Encode(wire.SettingsResp{})
	}))
	defer srv.Close()

	c := New(Options{BaseURL: srv.URL, Timeouts: []time.Duration{time.Second}, Auth: &Chain{}})
	_, err := c.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, EncodingGzip, c.negotiatedEncoding())
}

func TestNetworkMonitorCrossesOnRepeatedTransientFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	nm := NewNetworkMonitor(time.Minute, 50, 0)
	var crossed int32
	nm.OnNetworkErrorDetected(func() { atomic.AddInt32(&crossed, 1) })

	c := New(Options{
		BaseURL: srv.URL, Timeouts: []time.Duration{10 * time.Millisecond},
		Auth: &Chain{}, NetworkMonitor: nm,
	})
	for i := 0; i < 3; i++ {
		_, _, _ = c.Exec(context.Background(), wire.ExecReq{})
	}
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&crossed)), 1)
	assert.True(t, nm.ErrorState())
}
