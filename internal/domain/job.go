package domain

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var ErrJobNotFound = errors.New("job not found")

// ExecutorType defines what kind of execution a job runs.
type ExecutorType string

const (
	ExecutorTypeProgram ExecutorType = "program"
	ExecutorTypeHTTP    ExecutorType = "http"
)

// JobExecutor describes the work performed when a job runs.
type JobExecutor struct {
	Args       []string `json:"args,omitempty"`        // For program executor
	ReadOutput bool     `json:"read_output,omitempty"` // For program executor
	URL        string   `json:"url,omitempty"`         // For HTTP executor
	Method     string   `json:"method,omitempty"`      // For HTTP executor
}

// RetryPolicy defines the retry strategy of an HTTP execution.
type RetryPolicy struct {
	MaxRetries int           `json:"max_retries"`
	Backoff    time.Duration `json:"backoff"`
}

// JobWarnings configures the warnings attached to every instance of a job.
type JobWarnings struct {
	// ExecTime raises a warning when an instance executes longer; zero disables it.
	ExecTime time.Duration `json:"exec_time,omitempty"`
	// Output raises a warning for every output line matching the regular expression.
	Output string `json:"output,omitempty"`
}

// ConcurrencyPolicy defines how overlapping scheduled runs of the same job are handled.
type ConcurrencyPolicy string

const (
	ConcurrencyPolicyAllow  ConcurrencyPolicy = "allow"
	ConcurrencyPolicyForbid ConcurrencyPolicy = "forbid"
)

// Job is a named, runnable unit of work.
type Job struct {
	ID                string            `json:"id"`
	Properties        map[string]string `json:"properties,omitempty"`
	Schedule          string            `json:"schedule,omitempty"`
	ExecutorType      ExecutorType      `json:"executor_type"`
	Executor          JobExecutor       `json:"executor"`
	ConcurrencyPolicy ConcurrencyPolicy `json:"concurrency_policy,omitempty"`
	RetryPolicy       *RetryPolicy      `json:"retry_policy,omitempty"`
	Warnings          JobWarnings       `json:"warnings,omitempty"`
}

// Validate checks the job definition and fills defaults.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job id cannot be empty")
	}
	switch j.ExecutorType {
	case "", ExecutorTypeProgram:
		j.ExecutorType = ExecutorTypeProgram
		if len(j.Executor.Args) == 0 {
			return fmt.Errorf("job %s: program arguments cannot be empty", j.ID)
		}
	case ExecutorTypeHTTP:
		if j.Executor.URL == "" {
			return fmt.Errorf("job %s: executor URL cannot be empty for http job", j.ID)
		}
		if j.Executor.Method == "" {
			j.Executor.Method = "GET"
		}
	default:
		return fmt.Errorf("job %s: invalid executor type: %s", j.ID, j.ExecutorType)
	}

	if j.ConcurrencyPolicy == "" {
		j.ConcurrencyPolicy = ConcurrencyPolicyAllow
	}
	return nil
}

// DisabledJob is a rule preventing matching jobs from executing.
// JobID is a glob unless Regex is set, in which case it must match the whole job id.
type DisabledJob struct {
	JobID   string    `json:"job_id"`
	Regex   bool      `json:"regex"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires,omitempty"`
}

// Matches reports whether the rule disables the job at the given time.
func (d DisabledJob) Matches(jobID string, now time.Time) bool {
	if !d.Expires.IsZero() && !now.Before(d.Expires) {
		return false
	}
	if d.Regex {
		re, err := regexp.Compile("^(?:" + d.JobID + ")$")
		return err == nil && re.MatchString(jobID)
	}
	return globMatch(d.JobID, jobID)
}
