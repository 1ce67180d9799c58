package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/michaelbrown/compilebox/internal/languages"
)

const testDelimiter = "*-DELIM-*"

func testJob(t *testing.T, root string, timeout int) *Job {
	t.Helper()
	job, err := NewJob(JobSpec{
		TimeoutSeconds: timeout,
		Root:           root,
		Folder:         "job-1",
		Image:          "virtual_machine",
		Language:       "python",
		Sources:        map[string]string{"main": "print('hi')"},
	}, languages.Defaults())
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	return job
}

func testSandbox(spawner Spawner, obs Observer) *Sandbox {
	return New(Config{
		Supervisor:      "./DockerTimeout.sh",
		SupervisorFlags: []string{"-i", "-t"},
		MountPoint:      "/usercode",
		Launcher:        "/usercode/script.sh",
		Delimiter:       testDelimiter,
		PollInterval:    5 * time.Millisecond,
	}, spawner, obs)
}

// fakeRuntime plays the part of the isolated runtime by writing artifacts
// into the workspace as soon as it is spawned.
func fakeRuntime(t *testing.T, files map[string]string) (Spawner, *[]Invocation) {
	t.Helper()
	var calls []Invocation
	return SpawnerFunc(func(_ context.Context, inv Invocation) error {
		calls = append(calls, inv)
		for name, content := range files {
			if err := os.WriteFile(filepath.Join(inv.Dir, name), []byte(content), 0o644); err != nil {
				t.Errorf("fake runtime writing %s: %v", name, err)
			}
		}
		return nil
	}), &calls
}

func assertGone(t *testing.T, dir string) {
	t.Helper()
	if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("workspace %s still exists (stat err = %v)", dir, err)
	}
}

func TestRunCompleted(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 5)

	var sawSource, sawInput string
	var dirMode os.FileMode
	spawner := SpawnerFunc(func(_ context.Context, inv Invocation) error {
		src, _ := os.ReadFile(filepath.Join(inv.Dir, "main.py"))
		sawSource = string(src)
		in, err := os.ReadFile(filepath.Join(inv.Dir, InputFile))
		if err != nil {
			t.Errorf("input file missing at spawn time: %v", err)
		}
		sawInput = string(in)
		if info, err := os.Stat(inv.Dir); err == nil {
			dirMode = info.Mode().Perm()
		}
		return os.WriteFile(filepath.Join(inv.Dir, CompletedFile), []byte("hi\n"+testDelimiter+"0.01s"), 0o644)
	})

	out, err := testSandbox(spawner, nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.TimedOut {
		t.Error("timed_out = true, want false")
	}
	if out.Output != "hi\n" {
		t.Errorf("output = %q, want %q", out.Output, "hi\n")
	}
	if out.Time != "0.01s" {
		t.Errorf("time = %q, want %q", out.Time, "0.01s")
	}
	if out.Errors != "" {
		t.Errorf("errors = %q, want empty when the error artifact is absent", out.Errors)
	}
	if out.Ticks != 1 {
		t.Errorf("ticks = %d, want 1", out.Ticks)
	}
	if sawSource != "print('hi')" {
		t.Errorf("source at spawn time = %q", sawSource)
	}
	if sawInput != "" {
		t.Errorf("input at spawn time = %q, want empty", sawInput)
	}
	if dirMode != 0o777 {
		t.Errorf("workspace mode = %o, want 777", dirMode)
	}
	assertGone(t, job.Dir())
}

func TestRunCompletedReadsErrors(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 5)
	spawner, _ := fakeRuntime(t, map[string]string{
		CompletedFile: testDelimiter + "0.02s",
		ErrorsFile:    "NameError: name 'x' is not defined\n",
	})

	out, err := testSandbox(spawner, nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Output != "" {
		t.Errorf("output = %q, want empty", out.Output)
	}
	if out.Errors != "NameError: name 'x' is not defined\n" {
		t.Errorf("errors = %q", out.Errors)
	}
	assertGone(t, job.Dir())
}

func TestRunTimedOut(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 2)
	spawner, _ := fakeRuntime(t, map[string]string{
		LogFile:    "partial output",
		ErrorsFile: "warning",
	})

	out, err := testSandbox(spawner, nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !out.TimedOut {
		t.Error("timed_out = false, want true")
	}
	if out.Ticks != 2 {
		t.Errorf("ticks = %d, want 2", out.Ticks)
	}
	if want := "partial output" + TimedOutMarker; out.Output != want {
		t.Errorf("output = %q, want %q", out.Output, want)
	}
	if out.Errors != "warning" {
		t.Errorf("errors = %q, want %q", out.Errors, "warning")
	}
	assertGone(t, job.Dir())
}

func TestRunTimedOutWithoutLog(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 1)
	spawner, _ := fakeRuntime(t, nil)

	out, err := testSandbox(spawner, nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Output != TimedOutMarker {
		t.Errorf("output = %q, want only the timeout marker", out.Output)
	}
	assertGone(t, job.Dir())
}

func TestRunSpawnFailureTimesOut(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 2)
	spawner := SpawnerFunc(func(context.Context, Invocation) error {
		return errors.New("docker: command not found")
	})

	out, err := testSandbox(spawner, nil).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.TimedOut {
		t.Error("a failed spawn should surface as a timeout")
	}
	assertGone(t, job.Dir())
}

type cleanupObserver struct {
	NopObserver
	err error
}

func (c *cleanupObserver) CleanedUp(_ *Job, err error) { c.err = err }

func TestRunCleanupFailureKeepsOutcome(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	root := t.TempDir()
	job := testJob(t, root, 5)
	locked := filepath.Join(job.Dir(), "locked")
	t.Cleanup(func() { os.Chmod(locked, 0o755) })

	spawner := SpawnerFunc(func(_ context.Context, inv Invocation) error {
		if err := os.Mkdir(locked, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(locked, "a.out"), []byte("x"), 0o644); err != nil {
			return err
		}
		if err := os.Chmod(locked, 0o555); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(inv.Dir, CompletedFile), []byte("hi\n"+testDelimiter+"0.02s"), 0o644)
	})
	obs := &cleanupObserver{}

	out, err := testSandbox(spawner, obs).Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if obs.err == nil {
		t.Fatal("expected the workspace removal to fail")
	}
	if out.TimedOut {
		t.Error("timed_out = true, want false")
	}
	if out.Output != "hi\n" || out.Time != "0.02s" {
		t.Errorf("outcome = %+v, want the collected result despite cleanup failure", out)
	}
}

func TestRunExistingWorkspaceIsProvisioningError(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 5)
	if err := os.Mkdir(job.Dir(), 0o500); err != nil {
		t.Fatal(err)
	}
	spawner, calls := fakeRuntime(t, nil)

	_, err := testSandbox(spawner, nil).Run(context.Background(), job)

	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProvisioningError", err)
	}
	if perr.Stage != StageMkdir {
		t.Errorf("stage = %q, want %q", perr.Stage, StageMkdir)
	}
	if len(*calls) != 0 {
		t.Error("runtime must not be spawned after a provisioning failure")
	}
	if _, err := os.Stat(job.Dir()); err != nil {
		t.Errorf("pre-existing directory must be left alone: %v", err)
	}
}

func TestRunPartialProvisioningIsReclaimed(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 5)
	sb := New(Config{
		TemplateDir:  filepath.Join(root, "no-such-payload"),
		PollInterval: 5 * time.Millisecond,
	}, SpawnerFunc(func(context.Context, Invocation) error {
		t.Error("runtime spawned after a provisioning failure")
		return nil
	}), nil)

	_, err := sb.Run(context.Background(), job)

	var perr *ProvisioningError
	if !errors.As(err, &perr) || perr.Stage != StageTemplate {
		t.Fatalf("err = %v, want template ProvisioningError", err)
	}
	assertGone(t, job.Dir())
}

func TestRunPolicyRejectsImage(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 5)
	sb := New(Config{
		PollInterval: 5 * time.Millisecond,
		Policy:       Policy{Images: []string{"other_image"}},
	}, SpawnerFunc(func(context.Context, Invocation) error { return nil }), nil)

	_, err := sb.Run(context.Background(), job)
	if !errors.Is(err, ErrImageNotAllowed) {
		t.Fatalf("err = %v, want ErrImageNotAllowed", err)
	}
	var perr *ProvisioningError
	if !errors.As(err, &perr) || perr.Stage != StagePolicy {
		t.Errorf("err = %v, want policy ProvisioningError", err)
	}
	if _, err := os.Stat(job.Dir()); !errors.Is(err, os.ErrNotExist) {
		t.Error("no workspace should be created for a rejected job")
	}
}

func TestRunGraceTicksExtendBound(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 1)
	spawner, _ := fakeRuntime(t, map[string]string{CompletedFile: "ok"})

	sb := New(Config{Delimiter: testDelimiter, PollInterval: 5 * time.Millisecond, GraceTicks: 1}, spawner, nil)
	out, err := sb.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.TimedOut {
		t.Error("with one grace tick a job signalling at tick 1 should complete")
	}
	if out.Output != "ok" {
		t.Errorf("output = %q, want %q", out.Output, "ok")
	}
}

type recordingObserver struct {
	NopObserver
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingObserver) Provisioned(*Job, string)      { r.add("provisioned") }
func (r *recordingObserver) Spawned(*Job, []string, error) { r.add("spawned") }
func (r *recordingObserver) Tick(*Job, int)                { r.add("tick") }
func (r *recordingObserver) Resolved(*Job, Resolution)     { r.add("resolved") }
func (r *recordingObserver) Collected(*Job, *Outcome)      { r.add("collected") }
func (r *recordingObserver) CleanedUp(*Job, error)         { r.add("cleaned_up") }

func TestRunTransitionOrder(t *testing.T) {
	root := t.TempDir()
	job := testJob(t, root, 5)
	spawner, _ := fakeRuntime(t, map[string]string{CompletedFile: "x"})
	obs := &recordingObserver{}

	if _, err := testSandbox(spawner, obs).Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"provisioned", "spawned", "tick", "resolved", "collected", "cleaned_up"}
	if !slices.Equal(obs.events, want) {
		t.Errorf("events = %v, want %v", obs.events, want)
	}
}

func TestRunConcurrentJobs(t *testing.T) {
	root := t.TempDir()
	sb := testSandbox(SpawnerFunc(func(_ context.Context, inv Invocation) error {
		return os.WriteFile(filepath.Join(inv.Dir, CompletedFile), []byte(inv.Job.Folder), 0o644)
	}), nil)

	var wg sync.WaitGroup
	for _, folder := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := NewJob(JobSpec{
				TimeoutSeconds: 5,
				Root:           root,
				Folder:         folder,
				Image:          "virtual_machine",
				Language:       "python",
				Sources:        map[string]string{"main": "pass"},
			}, languages.Defaults())
			if err != nil {
				t.Errorf("NewJob: %v", err)
				return
			}
			out, err := sb.Run(context.Background(), job)
			if err != nil {
				t.Errorf("Run(%s): %v", folder, err)
				return
			}
			if out.Output != folder {
				t.Errorf("job %s got output %q", folder, out.Output)
			}
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("%d workspaces left behind", len(entries))
	}
}

func TestNewJobValidation(t *testing.T) {
	valid := JobSpec{
		TimeoutSeconds: 5,
		Root:           "/tmp",
		Folder:         "job",
		Image:          "virtual_machine",
		Language:       "python",
		Sources:        map[string]string{"main": ""},
	}

	tests := []struct {
		name   string
		mutate func(*JobSpec)
	}{
		{"zero timeout", func(s *JobSpec) { s.TimeoutSeconds = 0 }},
		{"no root", func(s *JobSpec) { s.Root = "" }},
		{"relative root", func(s *JobSpec) { s.Root = "temp" }},
		{"empty folder", func(s *JobSpec) { s.Folder = "" }},
		{"nested folder", func(s *JobSpec) { s.Folder = "a/b" }},
		{"dotdot folder", func(s *JobSpec) { s.Folder = ".." }},
		{"no image", func(s *JobSpec) { s.Image = "" }},
		{"no sources", func(s *JobSpec) { s.Sources = nil }},
		{"escaping unit", func(s *JobSpec) { s.Sources = map[string]string{"../evil": ""} }},
		{"unknown language", func(s *JobSpec) { s.Language = "cobol" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := valid
			spec.Sources = map[string]string{"main": ""}
			tt.mutate(&spec)
			_, err := NewJob(spec, languages.Defaults())
			if !errors.Is(err, ErrInvalidJob) {
				t.Errorf("err = %v, want ErrInvalidJob", err)
			}
		})
	}

	if _, err := NewJob(valid, languages.Defaults()); err != nil {
		t.Errorf("valid spec rejected: %v", err)
	}
}

func TestNewJobCopiesSources(t *testing.T) {
	sources := map[string]string{"main": "a"}
	job, err := NewJob(JobSpec{
		TimeoutSeconds: 1, Root: "/tmp", Folder: "f", Image: "i", Language: "python", Sources: sources,
	}, languages.Defaults())
	if err != nil {
		t.Fatal(err)
	}
	sources["main"] = "b"
	if job.Sources["main"] != "a" {
		t.Error("job sources changed after construction")
	}
}

func TestPolicyCheck(t *testing.T) {
	job := &Job{Image: "virtual_machine", TimeoutSeconds: 30}

	if err := DefaultPolicy().Check(job); err != nil {
		t.Errorf("default policy rejected job: %v", err)
	}
	if err := (Policy{}).Check(job); err != nil {
		t.Errorf("empty policy should allow everything: %v", err)
	}
	if err := (Policy{MaxTimeoutSeconds: 10}).Check(job); !errors.Is(err, ErrTimeoutTooLong) {
		t.Errorf("err = %v, want ErrTimeoutTooLong", err)
	}
}
