package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SortCriteria orders history reads.
type SortCriteria string

const (
	SortCreated  SortCriteria = "created"
	SortFinished SortCriteria = "finished"
	SortTime     SortCriteria = "time"
)

func ParseSortCriteria(s string) (SortCriteria, error) {
	switch c := SortCriteria(strings.ToLower(strings.TrimSpace(s))); c {
	case SortCreated, SortFinished, SortTime:
		return c, nil
	case "":
		return SortCreated, nil
	default:
		return "", fmt.Errorf("unknown sort criteria %q", s)
	}
}

// ReadOptions selects and orders stored jobs.
type ReadOptions struct {
	// ID is a glob matched against the job id or the instance id. Empty selects all.
	ID   string
	Sort SortCriteria
	Asc  bool
	// Limit caps the result; -1 (or 0) means unlimited.
	Limit int
	// Last keeps only the most recent instance of each job.
	Last bool
}

// Persistence is a storage backend for finished job instances.
type Persistence interface {
	ReadJobs(ctx context.Context, opts ReadOptions) ([]JobInfo, error)
	StoreJob(ctx context.Context, info JobInfo) error
	// RemoveJob deletes every stored instance matching the id pattern.
	// An empty pattern removes nothing.
	RemoveJob(ctx context.Context, id string) error
	// CleanUp deletes records beyond maxRecords (negative: unlimited) and
	// older than maxAge (zero: unlimited).
	CleanUp(ctx context.Context, maxRecords int, maxAge time.Duration) error
	Close() error
}
