// Package gateway implements the Front Gate (C8): the IPC transport compiler
// shims talk to, and a separate localhost-only admin transport for status
// and control, per spec.md §4.8. Grounded on the teacher's
// fs/rc/rcserver pair of listeners (one per transport) each driving its own
// github.com/go-chi/chi/v5 router, and on fs/rc's named-call registry for
// the admin z-pages.
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/compileproxy/compileproxy/internal/compilerinfo"
	"github.com/compileproxy/compileproxy/internal/compileservice"
	"github.com/compileproxy/compileproxy/internal/subproc"
	"github.com/compileproxy/compileproxy/internal/wire"
)

var log = logrus.WithField("pkg", "gateway")

// Version is reported by /versionz; set via -ldflags by the release build,
// left as "dev" otherwise.
var Version = "dev"

// Options configures a Gateway, per spec.md §6 "Startup options".
type Options struct {
	TrustedCIDRs  []string
	ReplyTimeout  time.Duration
	LogRingSize   int
	ErrorRingSize int
}

// Gateway is the Front Gate: it owns the IPC and admin routers and the
// correlation table matching a retired Task back to the HTTP handler
// blocked waiting for its reply.
type Gateway struct {
	opt         Options
	svc         *compileservice.Service
	counters    *compileservice.CounterTable
	budget      *compileservice.OutputBudget
	ci          *compilerinfo.Resolver
	subprocCtl  *subproc.Controller
	trustedNets []*net.IPNet
	startedAt   time.Time

	logRing   *logRing
	errorRing *errorRing

	mu           sync.Mutex
	waiters      map[int64]chan wire.ExecResp
	earlyReplies map[int64]wire.ExecResp

	quitOnce sync.Once
	quitCh   chan struct{}
}

// New creates a Gateway. counters, budget, ci and subprocCtl may be nil: the
// admin pages then leave that data out, and /compilerz reports the resolver
// as not wired. svc must not be nil; /e, /me, /statz and /quitquitquit call
// it directly.
func New(opt Options, svc *compileservice.Service, counters *compileservice.CounterTable, budget *compileservice.OutputBudget, ci *compilerinfo.Resolver, subprocCtl *subproc.Controller) *Gateway {
	if opt.LogRingSize == 0 {
		opt.LogRingSize = 500
	}
	if opt.ErrorRingSize == 0 {
		opt.ErrorRingSize = 100
	}
	if opt.ReplyTimeout == 0 {
		opt.ReplyTimeout = 10 * time.Minute
	}
	g := &Gateway{
		opt:       opt,
		svc:       svc,
		counters:  counters,
		budget:    budget,
		ci:        ci,
		subprocCtl: subprocCtl,
		startedAt: time.Now(),
		logRing:   newLogRing(opt.LogRingSize),
		errorRing: newErrorRing(opt.ErrorRingSize),
		waiters:      make(map[int64]chan wire.ExecResp),
		earlyReplies: make(map[int64]wire.ExecResp),
		quitCh:    make(chan struct{}),
	}
	for _, cidr := range opt.TrustedCIDRs {
		if _, n, err := net.ParseCIDR(cidr); err == nil {
			g.trustedNets = append(g.trustedNets, n)
		} else {
			log.WithField("cidr", cidr).WithError(err).Warn("ignoring invalid trusted CIDR")
		}
	}
	logrus.AddHook(newLogHook(g.logRing))
	return g
}

// QuitCh is closed when /quitquitquit is hit, for cmd/compileproxy's main
// loop to select on.
func (g *Gateway) QuitCh() <-chan struct{} { return g.quitCh }

// DeliverReply implements compiletask.ReplyFunc: it hands resp to whichever
// handler is blocked on t's completion. The driver's run goroutine can
// retire a task before execSync has registered its waiter, so a reply with
// no waiter yet is parked in earlyReplies for execSync to pick up instead
// of being dropped.
func (g *Gateway) DeliverReply(ctx context.Context, t *compileservice.Task, resp wire.ExecResp) {
	if resp.Error != "" {
		g.errorRing.add(errorNotice{
			Time:    time.Now(),
			TraceID: t.TraceID,
			Marker:  markerFor(resp),
			Message: resp.Error,
		})
	}
	g.mu.Lock()
	ch, ok := g.waiters[t.ID]
	if ok {
		delete(g.waiters, t.ID)
	} else {
		g.earlyReplies[t.ID] = resp
	}
	g.mu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func markerFor(resp wire.ExecResp) string {
	if resp.ErrorReason == wire.BackendErrorVersionMismatch || resp.ErrorReason == wire.BackendErrorBinaryHashMismatch {
		return "COMPILER_PROXY_FAILURE"
	}
	return ""
}

// register returns a channel that will receive task id's reply or, if the
// reply already arrived (via DeliverReply) before this call, a nil channel
// together with that reply and hasAlready=true.
func (g *Gateway) register(id int64) (ch chan wire.ExecResp, already wire.ExecResp, hasAlready bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if resp, ok := g.earlyReplies[id]; ok {
		delete(g.earlyReplies, id)
		return nil, resp, true
	}
	ch = make(chan wire.ExecResp, 1)
	g.waiters[id] = ch
	return ch, wire.ExecResp{}, false
}

func (g *Gateway) unregister(id int64) {
	g.mu.Lock()
	delete(g.waiters, id)
	delete(g.earlyReplies, id)
	g.mu.Unlock()
}

// isBrowserRequest resolves the Open Question (spec.md §6) of how to reject
// a request that came from a browser rather than the bundled compiler
// shim: any request carrying a non-empty Origin header, or a
// Sec-Fetch-Mode of "navigate"/"same-origin"/"cors", is treated as
// browser-originated — those headers are never sent by a plain HTTP client
// like the compiler shim's, but every modern browser attaches at least one
// of them to same-origin XHR/fetch traffic. See DESIGN.md.
func (g *Gateway) isBrowserRequest(r *http.Request) bool {
	if r.Header.Get("Origin") != "" {
		return true
	}
	switch r.Header.Get("Sec-Fetch-Mode") {
	case "navigate", "same-origin", "cors":
		return true
	}
	return false
}

// IPCRouter returns the mux the compiler shim's IPC transport (a unix
// socket) serves, per spec.md §4.8.
func (g *Gateway) IPCRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Post("/e", g.handleExec)
	r.Post("/me", g.handleMultiExec)
	return r
}

func (g *Gateway) handleExec(w http.ResponseWriter, r *http.Request) {
	if g.isBrowserRequest(r) {
		http.Error(w, "browser requests are not served", http.StatusForbidden)
		return
	}
	if r.Header.Get("Content-Type") != "" && !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		http.Error(w, "unsupported content-type", http.StatusUnsupportedMediaType)
		return
	}
	if r.ContentLength == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}

	var req wire.ExecReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	resp, err := g.execSync(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleMultiExec(w http.ResponseWriter, r *http.Request) {
	if g.isBrowserRequest(r) {
		http.Error(w, "browser requests are not served", http.StatusForbidden)
		return
	}
	var req wire.MultiExecReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	resps := make([]wire.ExecResp, len(req.Requests))
	var wg sync.WaitGroup
	for i, sub := range req.Requests {
		wg.Add(1)
		go func(i int, sub wire.ExecReq) {
			defer wg.Done()
			resp, err := g.execSync(r.Context(), sub)
			if err != nil {
				resp = wire.ExecResp{Error: err.Error()}
			}
			resps[i] = resp
		}(i, sub)
	}
	wg.Wait()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(wire.MultiExecResp{Responses: resps})
}

// execSync admits req and blocks until the task retires or ctx/ReplyTimeout
// fires, at which point the task is marked canceled so the driver tears
// down in-flight work per spec.md §5.
func (g *Gateway) execSync(ctx context.Context, req wire.ExecReq) (wire.ExecResp, error) {
	task, err := g.svc.Exec(ctx, req.TraceID, req.Requester, req)
	if err != nil {
		return wire.ExecResp{}, err
	}
	ch, already, hasAlready := g.register(task.ID)
	if hasAlready {
		return already, nil
	}

	deadline, cancel := context.WithTimeout(ctx, g.opt.ReplyTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		return resp, nil
	case <-deadline.Done():
		task.MarkCanceled()
		g.unregister(task.ID)
		return wire.ExecResp{}, deadline.Err()
	}
}

// trustGate rejects any admin request whose remote address is outside
// opt.TrustedCIDRs, per spec.md §4.8 "admin transport ... IP allowlist".
func (g *Gateway) trustGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if len(g.trustedNets) > 0 && ip != nil {
			trusted := false
			for _, n := range g.trustedNets {
				if n.Contains(ip) {
					trusted = true
					break
				}
			}
			if !trusted {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// AdminRouter returns the mux for the localhost-only admin transport:
// z-pages plus the quit/abort verbs, all trust-gated, per spec.md §4.8.
func (g *Gateway) AdminRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(g.trustGate)

	r.Get("/statz", g.handleStatz)
	r.Get("/healthz", g.handleHealthz)
	r.Get("/logz", g.handleLogz)
	r.Get("/errorz", g.handleErrorz)
	r.Get("/compilerz", g.handleCompilerz)
	r.Get("/compilerinfoz", g.handleCompilerInfoz)
	r.Get("/includecachez", notTracked("include cache is out of scope; see spec.md Non-goals"))
	r.Get("/httprpcz", g.handleHTTPRPCz)
	r.Get("/threadz", g.handleThreadz)
	r.Get("/contentionz", notTracked("lock contention sampling is not instrumented"))
	r.Get("/filecachez", notTracked("on-disk include/deps cache is out of scope; see spec.md Non-goals"))
	r.Get("/flagz", g.handleFlagz)
	r.Get("/versionz", g.handleVersionz)
	r.Post("/quitquitquit", g.handleQuit)
	r.Post("/abortabortabort", g.handleAbort)
	return r
}

func notTracked(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": msg})
	}
}

func (g *Gateway) handleStatz(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime_seconds": time.Since(g.startedAt).Seconds(),
		"active":         g.svc.ActiveCount(),
		"pending":        g.svc.PendingCount(),
		"finished":       g.svc.FinishedCount(),
		"failed":         g.svc.FailedCount(),
		"long":           g.svc.LongCount(),
	}
	if g.counters != nil {
		stats["counters"] = g.counters.Snapshot()
	}
	if g.budget != nil {
		stats["output_budget"] = map[string]int64{
			"cur": g.budget.Cur(), "max": g.budget.Max(), "req_peak": g.budget.ReqPeak(),
		}
	}
	if g.subprocCtl != nil {
		stats["subprocesses_running"] = g.subprocCtl.RunningCount()
		stats["bursting"] = g.subprocCtl.Bursting()
	}
	writeJSON(w, stats)
}

// handleHealthz echoes the requesting pid back in the response body, per
// SPEC_FULL.md's SUPPLEMENTED FEATURES "/healthz?pid=N liveness echo".
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	pid := r.URL.Query().Get("pid")
	writeJSON(w, map[string]string{"status": "ok", "pid": pid, "own_pid": strconv.Itoa(os.Getpid())})
}

func (g *Gateway) handleLogz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.logRing.snapshot())
}

func (g *Gateway) handleErrorz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.errorRing.snapshot())
}

func (g *Gateway) handleCompilerz(w http.ResponseWriter, r *http.Request) {
	if g.ci == nil {
		writeJSON(w, map[string]string{"status": "compiler-info resolver not wired"})
		return
	}
	writeJSON(w, g.ci.Snapshot())
}

func (g *Gateway) handleCompilerInfoz(w http.ResponseWriter, r *http.Request) {
	g.handleCompilerz(w, r)
}

func (g *Gateway) handleHTTPRPCz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "see /statz counters for RPC totals"})
}

func (g *Gateway) handleThreadz(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{"goroutines": runtime.NumGoroutine()}
	if g.subprocCtl != nil {
		stats["running_subprocesses"] = g.subprocCtl.RunningCount()
	}
	writeJSON(w, stats)
}

func (g *Gateway) handleFlagz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, g.opt)
}

func (g *Gateway) handleVersionz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": Version})
}

// handleQuit drains in-flight work gracefully: Quit stops admitting new
// tasks, Wait blocks for active+pending to empty, then quitCh is closed so
// the command entrypoint can exit.
func (g *Gateway) handleQuit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "quitting"})
	g.quitOnce.Do(func() {
		go func() {
			g.svc.Quit()
			_ = g.svc.Wait(context.Background())
			close(g.quitCh)
		}()
	})
}

// handleAbort signals immediate shutdown without waiting for in-flight
// tasks to drain.
func (g *Gateway) handleAbort(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "aborting"})
	g.quitOnce.Do(func() {
		close(g.quitCh)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
