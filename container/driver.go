// Package container encapsulates the container runtime behind a small
// capability interface: probe an image, pull it, run one command to
// completion. The build orchestrator never talks to the runtime directly.
package container

import (
	"context"
	"fmt"
	"strings"
)

// Mount is a bind mount into the build container. Inputs (the injected
// defaults file tree) are read-only; the per-fingerprint artifact directory
// is the only read-write mount.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunOptions describes a single container invocation.
type RunOptions struct {
	Image   string
	Name    string
	Command []string
	Env     map[string]string
	Mounts  []Mount
	WorkDir string
}

// RunResult is the outcome of a completed container run. Output is the
// combined stdout/stderr stream; the driver reports it verbatim and never
// interprets the ImageBuilder's behavior.
type RunResult struct {
	ExitCode int
	Output   string
}

// Driver is the runtime capability used by the orchestrator. Run honors the
// context deadline: on expiry the container is killed and ctx.Err is
// returned. Containers are always removed on exit; no persistent containers
// are kept.
type Driver interface {
	ImageExists(ctx context.Context, tag string) (bool, error)
	Pull(ctx context.Context, tag string) error
	Run(ctx context.Context, opts RunOptions) (*RunResult, error)
}

// Tag renders the ImageBuilder image tag for a version and target:
// "<registry>:<version>-<target>-<subtarget>".
func Tag(registry, version, target string) (string, error) {
	t, sub, ok := strings.Cut(target, "/")
	if !ok {
		return "", fmt.Errorf("target %q is not <target>/<subtarget>", target)
	}
	return fmt.Sprintf("%s:%s-%s-%s", registry, version, t, sub), nil
}
