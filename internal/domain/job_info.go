package domain

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// JobInstanceID identifies one run of a job.
type JobInstanceID struct {
	JobID      string `json:"job_id"`
	InstanceID string `json:"instance_id"`
}

func (id JobInstanceID) String() string {
	return id.JobID + "@" + id.InstanceID
}

// ParseJobInstanceID parses the "job@instance" form. The last '@' separates the parts.
func ParseJobInstanceID(s string) (JobInstanceID, error) {
	i := strings.LastIndex(s, "@")
	if i <= 0 || i == len(s)-1 {
		return JobInstanceID{}, fmt.Errorf("invalid job instance id %q", s)
	}
	return JobInstanceID{JobID: s[:i], InstanceID: s[i+1:]}, nil
}

// MatchesPattern reports whether the glob pattern matches the job id or the instance id.
// A pattern with '@' is matched against both parts separately.
func (id JobInstanceID) MatchesPattern(pattern string) bool {
	if pattern == "" {
		return true
	}
	if j, i, ok := strings.Cut(pattern, "@"); ok {
		return globMatch(j, id.JobID) && globMatch(i, id.InstanceID)
	}
	return globMatch(pattern, id.JobID) || globMatch(pattern, id.InstanceID)
}

func globMatch(pattern, name string) bool {
	if pattern == "" || pattern == name {
		return true
	}
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}

// Warn is a warning raised for a job instance.
type Warn struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// WarnEventCtx carries the occurrence count of the warning, including the current one.
type WarnEventCtx struct {
	Count int `json:"count"`
}

// JobInfo is an immutable snapshot of a job instance.
type JobInfo struct {
	ID        JobInstanceID      `json:"id"`
	Lifecycle ExecutionLifecycle `json:"lifecycle"`
	Status    string             `json:"status,omitempty"`
	Warnings  map[string]int     `json:"warnings,omitempty"`
	ExecError *ExecutionError    `json:"exec_error,omitempty"`
	Params    map[string]string  `json:"params,omitempty"`
}

func (j JobInfo) JobID() string      { return j.ID.JobID }
func (j JobInfo) InstanceID() string { return j.ID.InstanceID }

func (j JobInfo) State() ExecutionState {
	return j.Lifecycle.State()
}

// Matches reports whether the glob pattern selects this instance.
func (j JobInfo) Matches(pattern string) bool {
	return j.ID.MatchesPattern(pattern)
}

func (j JobInfo) String() string {
	return fmt.Sprintf("%s [%s]", j.ID, j.State())
}

// ExecutionStateObserver is notified about every state change of an instance.
type ExecutionStateObserver interface {
	StateUpdate(info JobInfo)
}

// WarningObserver is notified about every warning added to an instance.
type WarningObserver interface {
	NewWarning(info JobInfo, warning Warn, ctx WarnEventCtx)
}

// JobOutputObserver receives output lines of an instance.
type JobOutputObserver interface {
	OutputUpdate(info JobInfo, output string)
}

// StateFunc adapts a function to ExecutionStateObserver. It is used by pointer
// so that the same registration can be removed again.
type StateFunc struct{ fn func(JobInfo) }

func NewStateFunc(fn func(JobInfo)) *StateFunc { return &StateFunc{fn: fn} }

func (f *StateFunc) StateUpdate(info JobInfo) { f.fn(info) }

// WarningFunc adapts a function to WarningObserver.
type WarningFunc struct {
	fn func(JobInfo, Warn, WarnEventCtx)
}

func NewWarningFunc(fn func(JobInfo, Warn, WarnEventCtx)) *WarningFunc {
	return &WarningFunc{fn: fn}
}

func (f *WarningFunc) NewWarning(info JobInfo, w Warn, ctx WarnEventCtx) { f.fn(info, w, ctx) }

// JobOutputFunc adapts a function to JobOutputObserver.
type JobOutputFunc struct{ fn func(JobInfo, string) }

func NewJobOutputFunc(fn func(JobInfo, string)) *JobOutputFunc { return &JobOutputFunc{fn: fn} }

func (f *JobOutputFunc) OutputUpdate(info JobInfo, output string) { f.fn(info, output) }

// JobInstance is a single run of a job as seen by observers and warning producers.
type JobInstance interface {
	ID() JobInstanceID
	Lifecycle() ExecutionLifecycle
	Status() string
	LastOutput() []string
	Warnings() map[string]int
	ExecError() *ExecutionError
	CreateInfo() JobInfo

	AddWarning(w Warn)
	// AddWarningIfNotTerminal adds the warning unless the instance already
	// finished. The check and the append happen atomically.
	AddWarningIfNotTerminal(w Warn) bool

	Stop()
	Interrupt()

	AddStateObserver(o ExecutionStateObserver)
	RemoveStateObserver(o ExecutionStateObserver)
	AddWarningObserver(o WarningObserver)
	RemoveWarningObserver(o WarningObserver)
	AddOutputObserver(o JobOutputObserver)
	RemoveOutputObserver(o JobOutputObserver)
}
