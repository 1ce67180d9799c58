package sandbox

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrImageNotAllowed = errors.New("image not in allowlist")
	ErrTimeoutTooLong  = errors.New("timeout exceeds policy maximum")
)

// Policy defines which jobs a Sandbox accepts.
type Policy struct {
	Images            []string // allowed runtime images; empty allows any
	MaxTimeoutSeconds int      // zero means unbounded
}

// DefaultPolicy returns the limits used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Images:            []string{"virtual_machine"},
		MaxTimeoutSeconds: 60,
	}
}

// IsImageAllowed checks if an image is on the allowlist.
func (p Policy) IsImageAllowed(image string) bool {
	return len(p.Images) == 0 || slices.Contains(p.Images, image)
}

// Check reports why job may not run under this policy, if at all.
func (p Policy) Check(job *Job) error {
	if !p.IsImageAllowed(job.Image) {
		return fmt.Errorf("%w: %q", ErrImageNotAllowed, job.Image)
	}
	if p.MaxTimeoutSeconds > 0 && job.TimeoutSeconds > p.MaxTimeoutSeconds {
		return fmt.Errorf("%w: %ds > %ds", ErrTimeoutTooLong, job.TimeoutSeconds, p.MaxTimeoutSeconds)
	}
	return nil
}
