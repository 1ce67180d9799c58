package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/google/shlex"
)

// Invocation is the command line that starts the isolated runtime for a job.
type Invocation struct {
	Job  *Job
	Dir  string // host workspace bound into the runtime
	Args []string
}

// Runner builds runtime invocations. The supervisor binary enforces the
// wall-clock bound and kills the runtime when it expires.
type Runner struct {
	Supervisor string   // e.g. ./DockerTimeout.sh
	Flags      []string // passed through to the container runtime
	MountPoint string   // where the workspace appears inside the runtime
	Launcher   string   // in-image script that compiles and runs the sources
}

// Invocation returns the argument vector for job with its workspace at dir:
//
//	supervisor <timeout>s [flags] -v <dir>:<mount> <image> <launcher> <compiler> <compile-target> <run-target> <runtime-args>
func (r *Runner) Invocation(job *Job, dir string) Invocation {
	args := make([]string, 0, 10+len(r.Flags))
	args = append(args, r.Supervisor, strconv.Itoa(job.TimeoutSeconds)+"s")
	args = append(args, r.Flags...)
	args = append(args,
		"-v", dir+":"+r.MountPoint,
		job.Image,
		r.Launcher,
		job.Language.Compiler,
		job.Language.CompileTarget,
		job.Language.RunTarget,
		job.Language.RuntimeArgs,
	)
	return Invocation{Job: job, Dir: dir, Args: args}
}

// SplitFlags splits a shell-style flag string such as "-i -t --net=none".
func SplitFlags(s string) ([]string, error) {
	flags, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("parsing supervisor flags %q: %w", s, err)
	}
	return flags, nil
}

// Spawner starts an invocation without waiting for it to finish.
type Spawner interface {
	Spawn(ctx context.Context, inv Invocation) error
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, inv Invocation) error

func (f SpawnerFunc) Spawn(ctx context.Context, inv Invocation) error { return f(ctx, inv) }

// ExecSpawner starts invocations as child processes.
type ExecSpawner struct {
	// Exited, if set, receives the process output once it exits. The
	// output is diagnostic only; results come from the workspace.
	Exited func(inv Invocation, stdout []byte, err error)
}

// Spawn starts the process and returns immediately. The process is not
// tied to ctx: the supervisor alone decides when it dies.
func (s *ExecSpawner) Spawn(_ context.Context, inv Invocation) error {
	if len(inv.Args) == 0 || inv.Args[0] == "" {
		return errors.New("empty invocation")
	}

	cmd := exec.Command(inv.Args[0], inv.Args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", inv.Args[0], err)
	}

	go func() {
		err := cmd.Wait()
		if s.Exited != nil {
			s.Exited(inv, out.Bytes(), err)
		}
	}()
	return nil
}
