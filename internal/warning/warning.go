// Package warning raises warnings on job instances based on elapsed time and output content.
package warning

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"taro/internal/domain"
)

// ExecTimeWarning raises a warning when an execution runs longer than a limit.
type ExecTimeWarning struct {
	instance domain.JobInstance
	name     string
	limit    time.Duration

	mu    sync.Mutex
	timer *time.Timer
	done  bool
}

// ExecTimeExceeded registers a watchdog on the instance. The timer starts at the
// first executing state and is cancelled when the instance terminates.
func ExecTimeExceeded(instance domain.JobInstance, name string, limit time.Duration) *ExecTimeWarning {
	w := &ExecTimeWarning{instance: instance, name: name, limit: limit}
	instance.AddStateObserver(w)
	return w
}

func (w *ExecTimeWarning) StateUpdate(info domain.JobInfo) {
	state := info.State()
	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case state.IsExecuting():
		if w.timer != nil || w.done {
			return
		}
		w.timer = time.AfterFunc(w.limit, w.fire)
	case state.IsTerminal():
		w.done = true
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	}
}

func (w *ExecTimeWarning) fire() {
	w.instance.AddWarningIfNotTerminal(domain.Warn{
		Name:   w.name,
		Params: map[string]any{"exceeded_sec": w.limit.Seconds()},
	})
}

func (w *ExecTimeWarning) String() string {
	return fmt.Sprintf("%s(exec_time>%s)", w.name, w.limit)
}

// OutputMatchesWarning raises a warning for every output line matching a pattern.
type OutputMatchesWarning struct {
	instance domain.JobInstance
	name     string
	regex    *regexp.Regexp
}

// OutputMatches registers an output matcher on the instance. The pattern is
// searched anywhere in the line.
func OutputMatches(instance domain.JobInstance, name, pattern string) (*OutputMatchesWarning, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid output pattern for warning %s: %w", name, err)
	}
	w := &OutputMatchesWarning{instance: instance, name: name, regex: re}
	instance.AddOutputObserver(w)
	return w, nil
}

func (w *OutputMatchesWarning) OutputUpdate(_ domain.JobInfo, output string) {
	if w.regex.MatchString(output) {
		w.instance.AddWarning(domain.Warn{Name: w.name, Params: map[string]any{"matches": output}})
	}
}

func (w *OutputMatchesWarning) String() string {
	return fmt.Sprintf("%s(output=~%s)", w.name, w.regex)
}
