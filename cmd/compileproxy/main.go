// Command compileproxy is the compile-proxy daemon: it wires the
// scheduler, subprocess controller, blob client, compiler-info resolver,
// remote RPC client, compile service, compile-task driver, and front gate
// into one process, per spec.md §4. Flag/command wiring follows the
// teacher's root-cobra-command-plus-pflag-bound-options pattern (see
// backend/torrent/cmd/backend.go for the shape this is adapted from, since
// the root cmd.go itself was stripped from the retrieval pack).
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/compileproxy/compileproxy/internal/blobclient"
	"github.com/compileproxy/compileproxy/internal/compilerinfo"
	"github.com/compileproxy/compileproxy/internal/compileservice"
	"github.com/compileproxy/compileproxy/internal/compiletask"
	"github.com/compileproxy/compileproxy/internal/config"
	"github.com/compileproxy/compileproxy/internal/gateway"
	"github.com/compileproxy/compileproxy/internal/rpcclient"
	"github.com/compileproxy/compileproxy/internal/sched"
	"github.com/compileproxy/compileproxy/internal/subproc"
	"github.com/compileproxy/compileproxy/internal/wire"
)

var log = logrus.WithField("pkg", "main")

func main() {
	cfg := config.Defaults()
	fs := config.FlagSet(&cfg)

	root := &cobra.Command{
		Use:   "compileproxy",
		Short: "Distributed compile proxy daemon",
		Long: `
compileproxy accepts local compile requests over a unix-domain socket,
dispatches them to a remote compile backend, and falls back to running the
compiler locally when the remote path is unavailable or disabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ApplyEnv(fs, os.LookupEnv); err != nil {
				return err
			}
			return run(cfg)
		},
		SilenceUsage: true,
	}
	root.Flags().AddFlagSet(fs)

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("compileproxy exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	lock, err := config.Acquire(cfg.LockFilePath)
	if err != nil {
		return fmt.Errorf("compileproxy: %w", err)
	}
	defer lock.Release()

	scheduler := sched.New(runtimeWorkerCount())
	defer scheduler.Shutdown()

	subprocCtl := subproc.New(
		subproc.DirectLauncher{},
		subproc.Caps{
			MaxTotal:       cfg.SubprocCapTotalNormal,
			MaxLowPriority: cfg.SubprocCapLowNormal,
			MaxHeavy:       cfg.SubprocCapHeavyNormal,
		},
		subproc.Caps{
			MaxTotal:       cfg.SubprocCapTotalBurst,
			MaxLowPriority: cfg.SubprocCapLowBurst,
			MaxHeavy:       cfg.SubprocCapHeavyBurst,
		},
		nil,
	)
	subprocCtl.SetBurstDwell(cfg.BurstDwell)

	netMon := rpcclient.NewNetworkMonitor(cfg.NetworkErrorWindow, cfg.NetworkErrorThreshold*100, 30*time.Second)
	netMon.OnNetworkErrorDetected(func() { subprocCtl.SetBurst(true) })
	netMon.OnNetworkRecovered(func() { subprocCtl.SetBurst(false) })

	rpc := rpcclient.New(rpcclient.Options{
		BaseURL:          cfg.BackendBaseURL,
		Timeouts:         cfg.CallTimeouts,
		PingTimeout:      5 * time.Second,
		InitialEncoding:  rpcclient.EncodingGzip,
		CompressionLevel: cfg.CompressionLevel,
		NetworkMonitor:   netMon,
		MaxReqInCall:     8,
		ReqSizeThreshold: 1 << 20,
		CheckInterval:    50 * time.Millisecond,
	})

	blob := blobclient.New(rpc)

	ci := compilerinfo.New(10*time.Minute, compilerinfo.DefaultProbe)

	registry := prometheus.NewRegistry()
	counters := compileservice.NewCounterTable(registry)
	budget := compileservice.NewOutputBudget(cfg.OutputBudgetMaxBytes)
	execLog := compiletask.NewExecLogger(rpc)

	var driver *compiletask.Driver
	svc := compileservice.New(compileservice.Options{
		MaxActiveTasks:                        cfg.MaxActiveTasks,
		MaxFinishedTasks:                      cfg.MaxFinishedTasks,
		MaxFailedTasks:                        cfg.MaxFailedTasks,
		MaxLongTasks:                          cfg.MaxLongTasks,
		MaxActiveFailFallbackTasks:            cfg.FallbackMaxActive,
		AllowedMaxActiveFailFallbackDuration:  cfg.FallbackMaxActiveDuration,
	}, counters, execLog, func(ctx context.Context, t *compileservice.Task) {
		driver.Run(ctx, t)
	})

	gw := gateway.New(gateway.Options{
		TrustedCIDRs: cfg.TrustedCIDRs,
		ReplyTimeout: 10 * time.Minute,
	}, svc, counters, budget, ci, subprocCtl)

	driver = compiletask.NewDriver(compiletask.Options{
		Hermetic:               compiletask.HermeticMode(cfg.HermeticMode),
		StrictFlagPolicy:       false,
		LocalRunForFailedInput: true,
		LocalRunDelay:          200 * time.Millisecond,
		PreferenceStage:        compiletask.StageRemoteRun,
		FallbackEnabled:        true,
	})
	driver.Scheduler = scheduler
	driver.Blob = blob
	driver.RPC = rpc
	driver.CI = ci
	driver.Service = svc
	driver.Budget = budget
	driver.Counters = counters
	driver.RunLocal = localRunner(subprocCtl)
	driver.Reply = gw.DeliverReply
	driver.Logger = execLog

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rpc.Ping(ctx); err != nil {
		log.WithError(err).Warn("initial backend ping failed, starting anyway")
	}

	ipcLn, err := listenIPC(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("compileproxy: %w", err)
	}
	ipcSrv := &http.Server{Handler: gw.IPCRouter()}
	go func() {
		if err := ipcSrv.Serve(ipcLn); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("ipc transport stopped")
		}
	}()

	adminMux := gw.AdminRouter()
	adminMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	adminSrv := &http.Server{Addr: cfg.AdminAddr, Handler: adminMux}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("admin transport stopped")
		}
	}()

	log.WithField("socket", cfg.SocketPath).WithField("admin", cfg.AdminAddr).Info("compileproxy ready")

	select {
	case <-ctx.Done():
	case <-gw.QuitCh():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = ipcSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	return nil
}

// localRunner adapts subproc.Controller into a compiletask.LocalRunner,
// running the compiler directly rather than through the scheduler/remote
// path.
func localRunner(ctl *subproc.Controller) compiletask.LocalRunner {
	return func(ctx context.Context, req wire.ExecReq) (subproc.Result, error) {
		id, err := ctl.Register(ctx, subproc.Request{
			Weight:   subproc.Light,
			Priority: subproc.PriorityHigh,
			Args:     req.Args,
			Env:      req.Env,
			Cwd:      req.Cwd,
		})
		if err != nil {
			return subproc.Result{}, err
		}
		resultCh, err := ctl.Start(ctx, id)
		if err != nil {
			return subproc.Result{}, err
		}
		select {
		case res := <-resultCh:
			return res, nil
		case <-ctx.Done():
			_ = ctl.Kill(id)
			return subproc.Result{}, ctx.Err()
		}
	}
}

func listenIPC(path string) (net.Listener, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	return ln, nil
}

func runtimeWorkerCount() int {
	n := runtime.NumCPU()
	if n < 4 {
		return 4
	}
	return n * 2
}
