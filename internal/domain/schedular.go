package domain

import "context"

// Schedular triggers configured jobs on their schedule.
type Schedular interface {
	Start(ctx context.Context) error

	AddJob(job *Job) error
	RemoveJob(id string) error
	Jobs() []string
}
