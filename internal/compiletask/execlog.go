package compiletask

import (
	"context"
	"sync"

	"github.com/compileproxy/compileproxy/internal/wire"
)

// SaveLogger ships one structured exec-log entry to the remote backend,
// matching rpcclient.Client.SaveLog (POST /sl, spec.md §6).
type SaveLogger interface {
	SaveLog(ctx context.Context, req wire.SaveLogReq) error
}

// ExecLogger buffers SaveLog entries that fail to send for retry on the
// next attempt or on drain, and implements compileservice.LogFlusher so
// Service.Wait can flush it, per spec.md §4.6 "Quit/Wait ... flushes the
// log client".
type ExecLogger struct {
	rpc SaveLogger

	mu      sync.Mutex
	pending []wire.SaveLogReq
}

// NewExecLogger creates an ExecLogger shipping entries through rpc.
func NewExecLogger(rpc SaveLogger) *ExecLogger {
	return &ExecLogger{rpc: rpc}
}

// Log ships req immediately. A canceled task must never reach here with
// state FINISHED — Driver.finish is the only caller, and it is never
// invoked for StateAborted — satisfying spec.md §8 invariant 8 ("canceled
// tasks never produce a SaveExecLog entry of kind FINISHED").
func (l *ExecLogger) Log(ctx context.Context, req wire.SaveLogReq) {
	if l == nil || l.rpc == nil {
		return
	}
	if err := l.rpc.SaveLog(ctx, req); err != nil {
		log.WithError(err).WithField("trace_id", req.TraceID).Debug("save log failed, queued for flush")
		l.mu.Lock()
		l.pending = append(l.pending, req)
		l.mu.Unlock()
	}
}

// Flush retries every queued entry once, per spec.md §4.6 "Quit ... flushes
// the log client". Entries that fail again stay queued for the next Flush.
func (l *ExecLogger) Flush(ctx context.Context) error {
	if l == nil || l.rpc == nil {
		return nil
	}
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	var firstErr error
	for _, req := range pending {
		if err := l.rpc.SaveLog(ctx, req); err != nil {
			l.mu.Lock()
			l.pending = append(l.pending, req)
			l.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
