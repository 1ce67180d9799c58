package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"time"

	"github.com/michaelbrown/compilebox/internal/languages"
)

// Workspace file layout shared with the in-image launcher.
const (
	InputFile     = "inputFile"
	CompletedFile = "completed"
	LogFile       = "logfile.txt"
	ErrorsFile    = "errors"

	// OutputFile is the main output artifact. The launcher moves its
	// delimited payload into the completion file when the run finishes.
	OutputFile = CompletedFile
)

const (
	// DefaultDelimiter separates program output from the timing marker.
	DefaultDelimiter = "*-COMPILEBOX::ENDOFOUTPUT-*"

	// TimedOutMarker is appended to the partial output of a timed-out job.
	TimedOutMarker = "\nExecution Timed Out"
)

// ErrInvalidJob is wrapped by every NewJob validation failure.
var ErrInvalidJob = errors.New("invalid job")

// JobSpec is a job submission as received from a front end.
type JobSpec struct {
	TimeoutSeconds int
	Root           string // absolute directory under which the workspace is created
	Folder         string // workspace name; must be unique per job
	Image          string
	Language       string // key into the language catalog
	Sources        map[string]string
	Stdin          string
}

// Job is a validated, self-contained execution request. Treat it as
// read-only once NewJob returns.
type Job struct {
	TimeoutSeconds int
	Root           string
	Folder         string
	Image          string
	Language       languages.Descriptor
	Sources        map[string]string // unit name -> source text
	Stdin          string
}

// NewJob resolves the spec's language and validates it.
func NewJob(spec JobSpec, catalog languages.Catalog) (*Job, error) {
	if spec.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %d", ErrInvalidJob, spec.TimeoutSeconds)
	}
	if spec.Root == "" {
		return nil, fmt.Errorf("%w: workspace root is required", ErrInvalidJob)
	}
	// The root ends up in a bind mount; docker reads relative paths as volume names.
	if !filepath.IsAbs(spec.Root) {
		return nil, fmt.Errorf("%w: workspace root %q must be absolute", ErrInvalidJob, spec.Root)
	}
	if !isPathElement(spec.Folder) {
		return nil, fmt.Errorf("%w: folder %q must be a single path element", ErrInvalidJob, spec.Folder)
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("%w: runtime image is required", ErrInvalidJob)
	}
	if len(spec.Sources) == 0 {
		return nil, fmt.Errorf("%w: no source units", ErrInvalidJob)
	}
	for unit := range spec.Sources {
		if !isPathElement(unit) {
			return nil, fmt.Errorf("%w: source unit %q must be a single path element", ErrInvalidJob, unit)
		}
	}

	lang, err := catalog.Lookup(spec.Language)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	return &Job{
		TimeoutSeconds: spec.TimeoutSeconds,
		Root:           spec.Root,
		Folder:         spec.Folder,
		Image:          spec.Image,
		Language:       lang,
		Sources:        maps.Clone(spec.Sources),
		Stdin:          spec.Stdin,
	}, nil
}

// Dir is the job's workspace directory.
func (j *Job) Dir() string {
	return filepath.Join(j.Root, j.Folder)
}

func isPathElement(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// Outcome is the single result of a job. TimedOut jobs carry whatever
// partial output the runtime flushed before it was killed.
type Outcome struct {
	Output   string `json:"output"`
	Time     string `json:"time"`
	Errors   string `json:"errors"`
	TimedOut bool   `json:"timed_out"`
	Ticks    int    `json:"ticks"`
}

// Config assembles the pipeline stages of a Sandbox.
type Config struct {
	TemplateDir     string
	Supervisor      string
	SupervisorFlags []string
	MountPoint      string
	Launcher        string
	Delimiter       string
	PollInterval    time.Duration
	GraceTicks      int
	Notify          bool
	Policy          Policy
}

// Sandbox runs jobs through provision, spawn, watch, collect and cleanup.
// A Sandbox holds no per-job state and may run any number of jobs
// concurrently as long as their workspaces differ.
type Sandbox struct {
	policy      Policy
	provisioner *Provisioner
	runner      *Runner
	spawner     Spawner
	watcher     *Watcher
	collector   *Collector
	graceTicks  int
	obs         Observer
}

// New creates a Sandbox. A nil spawner starts the supervisor with os/exec;
// a nil observer discards all events.
func New(cfg Config, spawner Spawner, obs Observer) *Sandbox {
	if obs == nil {
		obs = NopObserver{}
	}
	if spawner == nil {
		spawner = &ExecSpawner{
			Exited: func(inv Invocation, stdout []byte, err error) {
				obs.RuntimeExited(inv.Job, string(stdout), err)
			},
		}
	}
	delim := cfg.Delimiter
	if delim == "" {
		delim = DefaultDelimiter
	}

	return &Sandbox{
		policy:      cfg.Policy,
		provisioner: &Provisioner{TemplateDir: cfg.TemplateDir},
		runner: &Runner{
			Supervisor: cfg.Supervisor,
			Flags:      cfg.SupervisorFlags,
			MountPoint: cfg.MountPoint,
			Launcher:   cfg.Launcher,
		},
		spawner:    spawner,
		watcher:    &Watcher{Interval: cfg.PollInterval, Notify: cfg.Notify, Observer: obs},
		collector:  &Collector{Delimiter: delim, Observer: obs},
		graceTicks: cfg.GraceTicks,
		obs:        obs,
	}
}

// Run executes one job to completion. The only error it returns is a
// *ProvisioningError, in which case the runtime was never started.
// Otherwise the workspace has been removed by the time Run returns.
func (s *Sandbox) Run(ctx context.Context, job *Job) (*Outcome, error) {
	if err := s.policy.Check(job); err != nil {
		return nil, &ProvisioningError{Stage: StagePolicy, Path: job.Dir(), Err: err}
	}

	ws, err := s.provisioner.Provision(ctx, job)
	if err != nil {
		if ws != nil {
			s.cleanup(job, ws)
		}
		return nil, err
	}
	defer s.cleanup(job, ws)
	s.obs.Provisioned(job, ws.Dir)

	inv := s.runner.Invocation(job, ws.Dir)
	s.obs.Spawned(job, inv.Args, s.spawner.Spawn(ctx, inv))

	res := s.watcher.Watch(ctx, job, ws.Dir, job.TimeoutSeconds+s.graceTicks)
	s.obs.Resolved(job, res)

	out := s.collector.Collect(job, ws.Dir, res)
	s.obs.Collected(job, out)
	return out, nil
}

func (s *Sandbox) cleanup(job *Job, ws *Workspace) {
	s.obs.CleanedUp(job, ws.Remove())
}
