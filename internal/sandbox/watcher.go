package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// State is the terminal state of a watch.
type State int

const (
	Completed State = iota + 1
	TimedOut
)

func (s State) String() string {
	switch s {
	case Completed:
		return "completed"
	case TimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Resolution is how and when a watch ended.
type Resolution struct {
	State State
	Ticks int
}

// Watcher waits for the runtime's completion signal.
type Watcher struct {
	// Interval between ticks. Defaults to one second, the unit of the
	// job timeout.
	Interval time.Duration

	// Notify additionally wakes the watcher on filesystem events so a
	// finished job is noticed before the next tick. Ticks are counted
	// the same way either way. The first create event ends the watch, so
	// the launcher must rename the finished file into place (the stock
	// script moves logfile.txt to completed) rather than write it there.
	Notify bool

	Observer Observer
}

// Watch polls dir for the completion file once per tick until it appears
// or bound ticks have elapsed. On the tick that reaches bound the job
// times out even if the file is present. A cancelled ctx also resolves
// as TimedOut so the job is still collected and cleaned up.
func (w *Watcher) Watch(ctx context.Context, job *Job, dir string, bound int) Resolution {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	obs := w.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	signal := filepath.Join(dir, CompletedFile)

	var notified <-chan struct{}
	if w.Notify {
		ch, stop, err := watchForFile(dir, CompletedFile)
		if err != nil {
			obs.ArtifactError(job, "notify", err)
		} else {
			defer stop()
			notified = ch
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ticker.C:
			ticks++
			obs.Tick(job, ticks)
			if ticks >= bound {
				return Resolution{State: TimedOut, Ticks: ticks}
			}
			if exists(signal) {
				return Resolution{State: Completed, Ticks: ticks}
			}
		case <-notified:
			notified = nil
			if ticks < bound && exists(signal) {
				return Resolution{State: Completed, Ticks: ticks}
			}
		case <-ctx.Done():
			return Resolution{State: TimedOut, Ticks: ticks}
		}
	}
}

// exists treats any stat failure as absence; the next tick checks again.
func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// watchForFile returns a channel that closes when name is created in dir
// (directly or by rename), and a stop function that releases the watch.
// stop is safe to call more than once.
func watchForFile(dir, name string) (<-chan struct{}, func(), error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	ready := make(chan struct{})
	done := make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create != 0 && filepath.Base(ev.Name) == name {
					close(ready)
					return
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			fw.Close()
		})
	}
	return ready, stop, nil
}
