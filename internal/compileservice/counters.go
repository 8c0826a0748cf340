package compileservice

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// CounterTable is the aggregated stats surface from spec.md §3 "CounterTable":
// atomic counters for request totals, cache-hit breakdown, retries, fallbacks
// by reason, file counts, and mismatches. Each counter is registered once as
// a prometheus.Counter (for `/metrics`) and also mirrored into a plain
// snapshot struct for the JSON `/statz` view, the same dual-exposure idiom as
// the teacher's rcserver.newMetricsServer over fs/accounting.StatsInfo.
type CounterTable struct {
	mu sync.Mutex

	numExecRequest       prometheus.Counter
	numExecGomaFinished   prometheus.Counter
	numExecSuccess        prometheus.Counter
	numExecFailure        prometheus.Counter
	numExecFailFallback   prometheus.Counter
	numExecRequestRetry   prometheus.Counter
	numFileUploaded       prometheus.Counter
	numFileOutput         prometheus.Counter
	numCompilerInfoSubprocs prometheus.Counter
	numCompilerDisabled   prometheus.Counter
	mismatches            *prometheus.CounterVec
}

// NewCounterTable creates and registers a CounterTable against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production.
func NewCounterTable(reg prometheus.Registerer) *CounterTable {
	ct := &CounterTable{
		numExecRequest: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_exec_request_total", Help: "Total ExecReq admitted.",
		}),
		numExecGomaFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_exec_finished_total", Help: "Total tasks reaching a terminal state.",
		}),
		numExecSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_exec_success_total", Help: "Total successful compiles.",
		}),
		numExecFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_exec_failure_total", Help: "Total failed compiles.",
		}),
		numExecFailFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_exec_fail_fallback_total", Help: "Total local fallbacks triggered by remote failure.",
		}),
		numExecRequestRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_exec_request_retry_total", Help: "Total ExecReq retries.",
		}),
		numFileUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_file_uploaded_total", Help: "Total file blobs uploaded.",
		}),
		numFileOutput: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_file_output_total", Help: "Total output files written.",
		}),
		numCompilerInfoSubprocs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_compiler_info_subprocs_total", Help: "Total compiler-info probe subprocesses launched.",
		}),
		numCompilerDisabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "compileproxy_compiler_disabled_total", Help: "Total tasks observing a disabled compiler.",
		}),
		mismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compileproxy_mismatch_total", Help: "Backend reject mismatches by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(
			ct.numExecRequest, ct.numExecGomaFinished, ct.numExecSuccess, ct.numExecFailure,
			ct.numExecFailFallback, ct.numExecRequestRetry, ct.numFileUploaded, ct.numFileOutput,
			ct.numCompilerInfoSubprocs, ct.numCompilerDisabled, ct.mismatches,
		)
	}
	return ct
}

func (ct *CounterTable) IncExecRequest()         { ct.numExecRequest.Inc() }
func (ct *CounterTable) IncExecFinished()        { ct.numExecGomaFinished.Inc() }
func (ct *CounterTable) IncExecSuccess()         { ct.numExecSuccess.Inc() }
func (ct *CounterTable) IncExecFailure()         { ct.numExecFailure.Inc() }
func (ct *CounterTable) IncExecFailFallback()    { ct.numExecFailFallback.Inc() }
func (ct *CounterTable) IncExecRequestRetry()    { ct.numExecRequestRetry.Inc() }
func (ct *CounterTable) IncFileUploaded()        { ct.numFileUploaded.Inc() }
func (ct *CounterTable) IncFileOutput()          { ct.numFileOutput.Inc() }
func (ct *CounterTable) IncCompilerInfoSubprocs() { ct.numCompilerInfoSubprocs.Inc() }
func (ct *CounterTable) IncCompilerDisabled()    { ct.numCompilerDisabled.Inc() }
func (ct *CounterTable) IncMismatch(reason string) { ct.mismatches.WithLabelValues(reason).Inc() }

// Snapshot is the plain-struct JSON view served at `/statz?format=json`.
type Snapshot struct {
	ExecRequest           float64            `json:"num_exec_request"`
	ExecGomaFinished      float64            `json:"num_exec_goma_finished"`
	ExecSuccess           float64            `json:"num_exec_success"`
	ExecFailure           float64            `json:"num_exec_failure"`
	ExecFailFallback      float64            `json:"num_exec_fail_fallback"`
	ExecRequestRetry      float64            `json:"exec_request_retry"`
	FileUploaded          float64            `json:"num_file_uploaded"`
	FileOutput            float64            `json:"num_file_output"`
	CompilerInfoSubprocs  float64            `json:"num_compiler_info_subprocs"`
	CompilerDisabled      float64            `json:"num_compiler_disabled"`
	Mismatches            map[string]float64 `json:"mismatches,omitempty"`
}

// Snapshot reads the current counter values into a JSON-serializable struct.
func (ct *CounterTable) Snapshot() Snapshot {
	return Snapshot{
		ExecRequest:          readCounter(ct.numExecRequest),
		ExecGomaFinished:     readCounter(ct.numExecGomaFinished),
		ExecSuccess:          readCounter(ct.numExecSuccess),
		ExecFailure:          readCounter(ct.numExecFailure),
		ExecFailFallback:     readCounter(ct.numExecFailFallback),
		ExecRequestRetry:     readCounter(ct.numExecRequestRetry),
		FileUploaded:         readCounter(ct.numFileUploaded),
		FileOutput:           readCounter(ct.numFileOutput),
		CompilerInfoSubprocs: readCounter(ct.numCompilerInfoSubprocs),
		CompilerDisabled:     readCounter(ct.numCompilerDisabled),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
