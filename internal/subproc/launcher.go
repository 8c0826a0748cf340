package subproc

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/pkg/errors"
)

// DirectLauncher spawns subprocesses via os/exec in-process. It is the
// default Launcher shipped with this repo; spec.md §4.2 describes the
// production deployment as a sibling privileged process instead, which is
// an OS-specific deployment concern (spec.md §9 "OS-specific primitives")
// and not part of the engine modeled here.
type DirectLauncher struct{}

// Launch starts req.Args[0] with the given args/env/cwd, redirecting
// stdout/stderr to the requested capture paths if set.
func (DirectLauncher) Launch(ctx context.Context, req Request) (*exec.Cmd, error) {
	if len(req.Args) == 0 {
		return nil, errors.New("subproc: empty argv")
	}
	cmd := exec.CommandContext(ctx, req.Args[0], req.Args[1:]...)
	cmd.Env = req.Env
	cmd.Dir = req.Cwd

	stdout, err := captureWriter(req.StdoutCap)
	if err != nil {
		return nil, errors.Wrap(err, "open stdout capture")
	}
	cmd.Stdout = stdout
	stderr, err := captureWriter(req.StderrCap)
	if err != nil {
		return nil, errors.Wrap(err, "open stderr capture")
	}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "start subprocess")
	}
	return cmd, nil
}

func captureWriter(path string) (io.Writer, error) {
	if path == "" {
		return io.Discard, nil
	}
	return os.Create(path)
}
