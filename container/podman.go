package container

import (
	"context"
	"fmt"
	"strings"

	"github.com/containers/podman/v4/pkg/bindings"
	"github.com/containers/podman/v4/pkg/bindings/containers"
	"github.com/containers/podman/v4/pkg/bindings/images"
	"github.com/containers/podman/v4/pkg/specgen"
	runtimespec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
)

// Podman drives the container runtime over the podman API socket.
type Podman struct {
	// conn is the bindings connection context; every bindings call must use
	// it (or a context derived from it).
	conn context.Context
	log  *logrus.Logger
}

// NewPodman connects to the podman socket at socketPath.
func NewPodman(socketPath string, log *logrus.Logger) (*Podman, error) {
	conn, err := bindings.NewConnection(context.Background(), fmt.Sprintf("unix://%s", socketPath))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to podman socket %s: %w", socketPath, err)
	}
	return &Podman{conn: conn, log: log}, nil
}

// ImageExists probes the local image store.
func (p *Podman) ImageExists(ctx context.Context, tag string) (bool, error) {
	exists, err := images.Exists(p.bound(ctx), tag, nil)
	if err != nil {
		return false, fmt.Errorf("failed to check image %s: %w", tag, err)
	}
	return exists, nil
}

// Pull fetches the image. Idempotent: pulling a present image is a no-op at
// the registry layer.
func (p *Podman) Pull(ctx context.Context, tag string) error {
	p.log.WithField("image", tag).Info("pulling imagebuilder image")
	if _, err := images.Pull(p.bound(ctx), tag, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", tag, err)
	}
	return nil
}

// buildSpec renders RunOptions into a podman spec generator. Mounts become
// OCI runtime-spec bind mounts; read-only mounts carry the "ro" option.
func buildSpec(opts RunOptions) *specgen.SpecGenerator {
	sg := &specgen.SpecGenerator{
		ContainerBasicConfig: specgen.ContainerBasicConfig{
			Name:    opts.Name,
			Remove:  true,
			Command: opts.Command,
		},
		ContainerStorageConfig: specgen.ContainerStorageConfig{
			Image: opts.Image,
		},
	}
	if opts.WorkDir != "" {
		sg.WorkDir = opts.WorkDir
	}
	if len(opts.Env) > 0 {
		sg.Env = opts.Env
	}
	for _, m := range opts.Mounts {
		mount := runtimespec.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
		}
		if m.ReadOnly {
			mount.Options = []string{"ro"}
		}
		sg.Mounts = append(sg.Mounts, mount)
	}
	return sg
}

// Run creates, starts, and waits for one container, collecting the combined
// stdout/stderr stream. The container is always removed; when ctx expires
// before the command finishes the container is killed and ctx.Err is
// returned with the output captured so far.
func (p *Podman) Run(ctx context.Context, opts RunOptions) (*RunResult, error) {
	conn := p.bound(ctx)
	created, err := containers.CreateWithSpec(conn, buildSpec(opts), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	id := created.ID

	if err := containers.Start(conn, id, nil); err != nil {
		p.removeQuietly(id)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	// Stream logs while waiting; both stop when the container exits or the
	// deadline fires.
	logCh := make(chan string, 64)
	ptrue := true
	logOpts := &containers.LogOptions{
		Stdout: &ptrue,
		Stderr: &ptrue,
		Follow: &ptrue,
	}
	logDone := make(chan error, 1)
	go func() {
		defer close(logCh)
		logDone <- containers.Logs(conn, id, logOpts, logCh, logCh)
	}()

	type waitResult struct {
		code int32
		err  error
	}
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := containers.Wait(conn, id, nil)
		waitCh <- waitResult{code: code, err: err}
	}()

	var output strings.Builder
	var wait waitResult
	done := false
	for !done {
		select {
		case line, ok := <-logCh:
			if !ok {
				logCh = nil
				continue
			}
			output.WriteString(line)
		case wait = <-waitCh:
			done = true
		case <-ctx.Done():
			p.log.WithField("container", id).Warn("deadline reached, killing container")
			_ = containers.Kill(p.conn, id, nil)
			p.removeQuietly(id)
			return &RunResult{ExitCode: -1, Output: output.String()}, ctx.Err()
		}
	}
	// Drain whatever the log stream still holds.
	if logCh != nil {
		for line := range logCh {
			output.WriteString(line)
		}
	}
	<-logDone

	p.removeQuietly(id)
	if wait.err != nil {
		return &RunResult{ExitCode: -1, Output: output.String()}, fmt.Errorf("failed to wait for container: %w", wait.err)
	}
	return &RunResult{ExitCode: int(wait.code), Output: output.String()}, nil
}

// bound layers the caller's cancellation onto the bindings connection. The
// podman bindings require the connection values from p.conn, while the
// deadline belongs to the caller.
func (p *Podman) bound(ctx context.Context) context.Context {
	merged, cancel := context.WithCancel(p.conn)
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-merged.Done():
		}
	}()
	return merged
}

// removeQuietly removes a container that auto-remove may already have
// cleaned up.
func (p *Podman) removeQuietly(id string) {
	if _, err := containers.Remove(p.conn, id, nil); err != nil {
		p.log.WithError(err).WithField("container", id).Debug("container remove after run")
	}
}
