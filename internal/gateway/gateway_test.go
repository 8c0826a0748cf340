package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/compileproxy/compileproxy/internal/compileservice"
	"github.com/compileproxy/compileproxy/internal/wire"
)

func TestExecHandlerRoundTrips(t *testing.T) {
	counters := compileservice.NewCounterTable(nil)
	var gw *Gateway
	var svc *compileservice.Service
	svc = compileservice.New(compileservice.Options{
		MaxActiveTasks:   10,
		MaxFinishedTasks: 10,
		MaxFailedTasks:   10,
		MaxLongTasks:     10,
	}, counters, nil, func(ctx context.Context, task *compileservice.Task) {
		task.SetState(compileservice.StateFinished)
		gw.DeliverReply(ctx, task, wire.ExecResp{ExitStatus: 0, StdOut: []byte("ok")})
		svc.CompileTaskDone(task)
	})

	gw = New(Options{ReplyTimeout: 2 * time.Second}, svc, counters, nil, nil, nil)

	srv := httptest.NewServer(gw.IPCRouter())
	defer srv.Close()

	reqBody, _ := json.Marshal(wire.ExecReq{TraceID: "t1", Args: []string{"cc", "-c", "a.c"}})
	resp, err := http.Post(srv.URL+"/e", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out wire.ExecResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out.StdOut) != "ok" {
		t.Fatalf("stdout = %q", out.StdOut)
	}
}

func TestExecHandlerRejectsBrowserOrigin(t *testing.T) {
	counters := compileservice.NewCounterTable(nil)
	svc := compileservice.New(compileservice.Options{MaxActiveTasks: 10}, counters, nil,
		func(ctx context.Context, task *compileservice.Task) { task.SetState(compileservice.StateFinished) })
	gw := New(Options{}, svc, counters, nil, nil, nil)

	srv := httptest.NewServer(gw.IPCRouter())
	defer srv.Close()

	body, _ := json.Marshal(wire.ExecReq{TraceID: "t1"})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/e", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAdminRouterTrustGateBlocksUntrustedIP(t *testing.T) {
	counters := compileservice.NewCounterTable(nil)
	svc := compileservice.New(compileservice.Options{MaxActiveTasks: 10}, counters, nil,
		func(ctx context.Context, task *compileservice.Task) { task.SetState(compileservice.StateFinished) })
	gw := New(Options{TrustedCIDRs: []string{"10.0.0.0/8"}}, svc, counters, nil, nil, nil)

	srv := httptest.NewServer(gw.AdminRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/statz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	// httptest.Server listens on 127.0.0.1, which is outside 10.0.0.0/8.
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAdminRouterStatzAllowedWithoutTrustList(t *testing.T) {
	counters := compileservice.NewCounterTable(nil)
	svc := compileservice.New(compileservice.Options{MaxActiveTasks: 10}, counters, nil,
		func(ctx context.Context, task *compileservice.Task) { task.SetState(compileservice.StateFinished) })
	gw := New(Options{}, svc, counters, nil, nil, nil)

	srv := httptest.NewServer(gw.AdminRouter())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/statz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestQuitClosesQuitCh(t *testing.T) {
	counters := compileservice.NewCounterTable(nil)
	svc := compileservice.New(compileservice.Options{MaxActiveTasks: 10}, counters, nil,
		func(ctx context.Context, task *compileservice.Task) { task.SetState(compileservice.StateFinished) })
	gw := New(Options{}, svc, counters, nil, nil, nil)

	srv := httptest.NewServer(gw.AdminRouter())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/quitquitquit", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()

	select {
	case <-gw.QuitCh():
	case <-time.After(2 * time.Second):
		t.Fatal("quitCh not closed")
	}
}
