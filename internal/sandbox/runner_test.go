package sandbox

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/michaelbrown/compilebox/internal/languages"
)

func TestInvocation(t *testing.T) {
	r := &Runner{
		Supervisor: "/srv/compilebox/DockerTimeout.sh",
		Flags:      []string{"-i", "-t"},
		MountPoint: "/usercode",
		Launcher:   "/usercode/script.sh",
	}
	job := &Job{
		TimeoutSeconds: 20,
		Image:          "virtual_machine",
		Language: languages.Descriptor{
			Compiler:      "g++ -o /usercode/a.out",
			CompileTarget: "file.cpp",
			RunTarget:     "/usercode/a.out",
		},
	}

	inv := r.Invocation(job, "/tmp/work/abc")

	want := []string{
		"/srv/compilebox/DockerTimeout.sh", "20s", "-i", "-t",
		"-v", "/tmp/work/abc:/usercode",
		"virtual_machine", "/usercode/script.sh",
		"g++ -o /usercode/a.out", "file.cpp", "/usercode/a.out", "",
	}
	if !slices.Equal(inv.Args, want) {
		t.Errorf("args =\n%q\nwant\n%q", inv.Args, want)
	}
	if inv.Dir != "/tmp/work/abc" || inv.Job != job {
		t.Errorf("invocation does not carry its job and dir: %+v", inv)
	}
}

func TestSplitFlags(t *testing.T) {
	got, err := SplitFlags(`-i -t --memory "256m" --net=none`)
	if err != nil {
		t.Fatalf("SplitFlags: %v", err)
	}
	want := []string{"-i", "-t", "--memory", "256m", "--net=none"}
	if !slices.Equal(got, want) {
		t.Errorf("SplitFlags = %q, want %q", got, want)
	}

	if got, err := SplitFlags(""); err != nil || len(got) != 0 {
		t.Errorf("SplitFlags(\"\") = %q, %v", got, err)
	}
}

func TestExecSpawnerReportsOutput(t *testing.T) {
	type exit struct {
		out string
		err error
	}
	done := make(chan exit, 1)
	s := &ExecSpawner{Exited: func(_ Invocation, stdout []byte, err error) {
		done <- exit{string(stdout), err}
	}}

	if err := s.Spawn(context.Background(), Invocation{Args: []string{"/bin/sh", "-c", "echo hi"}}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case e := <-done:
		if e.err != nil {
			t.Errorf("exit error: %v", e.err)
		}
		if e.out != "hi\n" {
			t.Errorf("stdout = %q, want %q", e.out, "hi\n")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process never reported its exit")
	}
}

func TestExecSpawnerErrors(t *testing.T) {
	s := &ExecSpawner{}
	if err := s.Spawn(context.Background(), Invocation{}); err == nil {
		t.Error("expected error for empty invocation")
	}
	if err := s.Spawn(context.Background(), Invocation{Args: []string{"/nonexistent/supervisor"}}); err == nil {
		t.Error("expected error for missing binary")
	}
}
