package sandbox

import "go.uber.org/zap"

// Observer receives the job lifecycle transitions. Implementations must
// be safe for concurrent use when a Sandbox runs several jobs at once.
type Observer interface {
	Provisioned(job *Job, dir string)
	Spawned(job *Job, args []string, err error)
	RuntimeExited(job *Job, stdout string, err error)
	Tick(job *Job, n int)
	Resolved(job *Job, res Resolution)
	Collected(job *Job, out *Outcome)
	CleanedUp(job *Job, err error)
	ArtifactError(job *Job, name string, err error)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) Provisioned(*Job, string) {}
func (NopObserver) Spawned(*Job, []string, error) {}
func (NopObserver) RuntimeExited(*Job, string, error) {}
func (NopObserver) Tick(*Job, int) {}
func (NopObserver) Resolved(*Job, Resolution) {}
func (NopObserver) Collected(*Job, *Outcome) {}
func (NopObserver) CleanedUp(*Job, error) {}
func (NopObserver) ArtifactError(*Job, string, error) {}

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) Provisioned(job *Job, dir string) {
	for _, x := range o {
		x.Provisioned(job, dir)
	}
}

func (o Observers) Spawned(job *Job, args []string, err error) {
	for _, x := range o {
		x.Spawned(job, args, err)
	}
}

func (o Observers) RuntimeExited(job *Job, stdout string, err error) {
	for _, x := range o {
		x.RuntimeExited(job, stdout, err)
	}
}

func (o Observers) Tick(job *Job, n int) {
	for _, x := range o {
		x.Tick(job, n)
	}
}

func (o Observers) Resolved(job *Job, res Resolution) {
	for _, x := range o {
		x.Resolved(job, res)
	}
}

func (o Observers) Collected(job *Job, out *Outcome) {
	for _, x := range o {
		x.Collected(job, out)
	}
}

func (o Observers) CleanedUp(job *Job, err error) {
	for _, x := range o {
		x.CleanedUp(job, err)
	}
}

func (o Observers) ArtifactError(job *Job, name string, err error) {
	for _, x := range o {
		x.ArtifactError(job, name, err)
	}
}

// LogObserver writes every transition to a zap logger.
type LogObserver struct {
	log *zap.Logger
}

// NewLogObserver creates a LogObserver. A nil logger logs nothing.
func NewLogObserver(log *zap.Logger) *LogObserver {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogObserver{log: log}
}

func (o *LogObserver) with(job *Job) *zap.Logger {
	return o.log.With(zap.String("folder", job.Folder), zap.String("language", job.Language.Name))
}

func (o *LogObserver) Provisioned(job *Job, dir string) {
	o.with(job).Info("workspace provisioned", zap.String("dir", dir), zap.Int("sources", len(job.Sources)))
}

func (o *LogObserver) Spawned(job *Job, args []string, err error) {
	if err != nil {
		o.with(job).Error("runtime spawn failed, waiting out the timeout", zap.Strings("args", args), zap.Error(err))
		return
	}
	o.with(job).Info("runtime spawned", zap.Strings("args", args))
}

func (o *LogObserver) RuntimeExited(job *Job, stdout string, err error) {
	o.with(job).Debug("runtime exited", zap.String("stdout", stdout), zap.Error(err))
}

func (o *LogObserver) Tick(job *Job, n int) {
	o.with(job).Debug("checking for completion", zap.Int("tick", n), zap.Int("timeout", job.TimeoutSeconds))
}

func (o *LogObserver) Resolved(job *Job, res Resolution) {
	if res.State == TimedOut {
		o.with(job).Warn("execution timed out", zap.Int("ticks", res.Ticks))
		return
	}
	o.with(job).Info("execution completed", zap.Int("ticks", res.Ticks))
}

func (o *LogObserver) Collected(job *Job, out *Outcome) {
	o.with(job).Debug("result collected",
		zap.Int("output_bytes", len(out.Output)),
		zap.Int("error_bytes", len(out.Errors)),
		zap.String("time", out.Time),
		zap.Bool("timed_out", out.TimedOut),
	)
}

func (o *LogObserver) CleanedUp(job *Job, err error) {
	if err != nil {
		o.with(job).Error("workspace cleanup failed", zap.Error(err))
		return
	}
	o.with(job).Debug("workspace removed")
}

func (o *LogObserver) ArtifactError(job *Job, name string, err error) {
	o.with(job).Warn("artifact unreadable", zap.String("artifact", name), zap.Error(err))
}
