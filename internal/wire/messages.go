package wire

// Requester carries the caller identity attached to every Task, per
// spec.md §3 "Task".
type Requester struct {
	User     string `json:"user"`
	Nodename string `json:"nodename"`
	BuildID  string `json:"build_id"`
}

// ExecReq is the request body of POST /e (IPC) and POST /e (remote), per
// spec.md §6.
type ExecReq struct {
	TraceID     string    `json:"trace_id"`
	Requester   Requester `json:"requester"`
	Args        []string  `json:"args"`
	Env         []string  `json:"env"`
	Cwd         string    `json:"cwd"`
	InputBlobs  []FileRef `json:"input_blobs"`
	OutputPaths []string  `json:"output_paths"`
}

// FileRef names an input file and its known hash, if already uploaded.
type FileRef struct {
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
}

// BackendErrorReason enumerates BackendReject causes from spec.md §7.
type BackendErrorReason int

const (
	BackendErrorNone BackendErrorReason = iota
	BackendErrorUnsupportedFlag
	BackendErrorVersionMismatch
	BackendErrorBinaryHashMismatch
	BackendErrorSubprogramMismatch
)

func (r BackendErrorReason) String() string {
	switch r {
	case BackendErrorUnsupportedFlag:
		return "unsupported_flag"
	case BackendErrorVersionMismatch:
		return "version_mismatch"
	case BackendErrorBinaryHashMismatch:
		return "binary_hash_mismatch"
	case BackendErrorSubprogramMismatch:
		return "subprogram_mismatch"
	default:
		return "none"
	}
}

// ExecResp is the response body for a completed (or failed) exec.
type ExecResp struct {
	ExitStatus    int                `json:"exit_status"`
	StdOut        []byte             `json:"stdout,omitempty"`
	StdErr        []byte             `json:"stderr,omitempty"`
	OutputBlobs   []NamedBlobRef     `json:"output_blobs,omitempty"`
	Error         string             `json:"error,omitempty"`
	ErrorReason   BackendErrorReason `json:"error_reason,omitempty"`
	CacheHit      bool               `json:"cache_hit,omitempty"`
	LocalCacheHit bool               `json:"local_cache_hit,omitempty"`
}

// NamedBlobRef associates an output path with its content hash.
type NamedBlobRef struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// MultiExecReq batches N ExecReqs behind a single connection, per spec.md §4.8.
type MultiExecReq struct {
	Requests []ExecReq `json:"requests"`
}

// MultiExecResp is the aggregated reply to a MultiExecReq; it is only sent
// once every sub-response is ready.
type MultiExecResp struct {
	Responses []ExecResp `json:"responses"`
}

// StoreFileReq uploads one or more blobs in a single batched call.
type StoreFileReq struct {
	Blobs []FileBlob `json:"blobs"`
}

// StoreFileResp reports per-blob store outcomes, in request order.
type StoreFileResp struct {
	HashKeys []string `json:"hash_keys"`
}

// LookupFileReq requests one or more blobs by hash in a single batched call.
type LookupFileReq struct {
	HashKeys []string `json:"hash_keys"`
}

// LookupFileResp returns blobs in the same order as the request; a blob
// without Content is a lookup miss.
type LookupFileResp struct {
	Blobs []FileBlob `json:"blobs"`
}

// SaveLogReq ships a structured exec-log entry to the backend for telemetry.
type SaveLogReq struct {
	TraceID string `json:"trace_id"`
	State   string `json:"state"`
}

// SaveLogResp acknowledges a SaveLogReq.
type SaveLogResp struct {
	OK bool `json:"ok"`
}

// SettingsReq asks the backend for its current compile settings.
type SettingsReq struct{}

// SettingsResp describes backend-side settings relevant to hermeticity
// checks (compiler version/binary hash the backend will compile against).
type SettingsResp struct {
	CompilerVersion    string `json:"compiler_version"`
	CompilerBinaryHash string `json:"compiler_binary_hash"`
}
