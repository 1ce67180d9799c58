package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Provisioning stages reported in ProvisioningError.
const (
	StagePolicy   = "policy"
	StageMkdir    = "mkdir"
	StageTemplate = "template"
	StageSource   = "source"
	StageChmod    = "chmod"
	StageInput    = "input"
)

// ProvisioningError means the workspace could not be prepared and the
// runtime was never started.
type ProvisioningError struct {
	Stage string
	Path  string
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s (%s): %v", e.Path, e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Workspace is a job's private directory. It is created by Provision and
// reclaimed in a single Remove.
type Workspace struct {
	Dir string
}

// Remove deletes the workspace and everything in it. Removing an
// already-absent workspace is not an error.
func (w *Workspace) Remove() error {
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("removing workspace %s: %w", w.Dir, err)
	}
	return nil
}

// Provisioner materializes job workspaces.
type Provisioner struct {
	// TemplateDir holds the helper scripts copied into every workspace.
	// Empty skips the copy.
	TemplateDir string
}

// Provision creates the job's workspace, copies the helper scripts into
// it and writes the sources and stdin. It returns only after every file
// has been synced to disk.
//
// On failure the error is a *ProvisioningError. If the directory had
// already been created the returned Workspace is non-nil so the caller
// can reclaim it; a directory that existed beforehand is never claimed.
func (p *Provisioner) Provision(ctx context.Context, job *Job) (*Workspace, error) {
	dir := job.Dir()
	if err := ctx.Err(); err != nil {
		return nil, &ProvisioningError{Stage: StageMkdir, Path: dir, Err: err}
	}
	if err := os.Mkdir(dir, 0o777); err != nil {
		return nil, &ProvisioningError{Stage: StageMkdir, Path: dir, Err: err}
	}
	ws := &Workspace{Dir: dir}

	if p.TemplateDir != "" {
		if err := copyTemplate(p.TemplateDir, dir); err != nil {
			return ws, &ProvisioningError{Stage: StageTemplate, Path: p.TemplateDir, Err: err}
		}
	}

	ext := job.Language.Extension()
	for unit, src := range job.Sources {
		path := filepath.Join(dir, unit+ext)
		if err := writeFileSync(path, []byte(src), 0o644); err != nil {
			return ws, &ProvisioningError{Stage: StageSource, Path: path, Err: err}
		}
	}

	// The runtime executes as an unprivileged user that still has to
	// write its artifacts here and execute the compile target.
	if err := os.Chmod(dir, 0o777); err != nil {
		return ws, &ProvisioningError{Stage: StageChmod, Path: dir, Err: err}
	}
	target := filepath.Join(dir, job.Language.CompileTarget)
	if err := os.Chmod(target, 0o777); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ws, &ProvisioningError{Stage: StageChmod, Path: target, Err: err}
	}

	input := filepath.Join(dir, InputFile)
	if err := writeFileSync(input, []byte(job.Stdin), 0o644); err != nil {
		return ws, &ProvisioningError{Stage: StageInput, Path: input, Err: err}
	}
	return ws, nil
}

// copyTemplate copies the regular files directly inside src into dst,
// keeping their permission bits.
func copyTemplate(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name()), info.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile's perm is filtered by the umask.
	return os.Chmod(dst, perm)
}

func writeFileSync(path string, data []byte, perm fs.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
