package sandbox

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Collector turns the artifacts left in a workspace into an Outcome.
type Collector struct {
	Delimiter string
	Observer  Observer
}

// Collect reads the job's artifacts according to how the watch resolved.
// A missing artifact reads as empty text; no read failure is fatal.
func (c *Collector) Collect(job *Job, dir string, res Resolution) *Outcome {
	out := &Outcome{
		TimedOut: res.State != Completed,
		Ticks:    res.Ticks,
	}

	if out.TimedOut {
		out.Output, out.Time = SplitPayload(c.read(job, dir, LogFile), c.Delimiter)
		out.Output += TimedOutMarker
	} else {
		out.Output, out.Time = SplitPayload(c.read(job, dir, OutputFile), c.Delimiter)
	}
	out.Errors = c.read(job, dir, ErrorsFile)
	return out
}

func (c *Collector) read(job *Job, dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) && c.Observer != nil {
			c.Observer.ArtifactError(job, name, err)
		}
		return ""
	}
	return string(data)
}

// SplitPayload splits payload on the first occurrence of delim into the
// program output and the timing marker that follows it.
func SplitPayload(payload, delim string) (output, timing string) {
	if delim == "" {
		return payload, ""
	}
	output, timing, _ = strings.Cut(payload, delim)
	return output, timing
}
