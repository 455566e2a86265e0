package persistence

import (
	"slices"
	"time"

	"taro/internal/domain"
)

// Query filters, orders and limits jobs in memory for backends without native
// query support. The input slice is not modified.
func Query(jobs []domain.JobInfo, opts domain.ReadOptions) []domain.JobInfo {
	out := make([]domain.JobInfo, 0, len(jobs))
	for _, j := range jobs {
		if j.Matches(opts.ID) {
			out = append(out, j)
		}
	}

	if opts.Last {
		out = lastPerJob(out)
	}

	key := sortKey(opts.Sort)
	slices.SortStableFunc(out, func(a, b domain.JobInfo) int {
		c := key(a).Compare(key(b))
		if c == 0 {
			c = compareCreated(a, b)
		}
		if !opts.Asc {
			c = -c
		}
		return c
	})

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// lastPerJob keeps the most recently created instance of each job.
func lastPerJob(jobs []domain.JobInfo) []domain.JobInfo {
	latest := make(map[string]int, len(jobs))
	var order []string
	for i, j := range jobs {
		prev, ok := latest[j.JobID()]
		if !ok {
			order = append(order, j.JobID())
			latest[j.JobID()] = i
			continue
		}
		if compareCreated(j, jobs[prev]) > 0 {
			latest[j.JobID()] = i
		}
	}
	out := make([]domain.JobInfo, 0, len(order))
	for _, id := range order {
		out = append(out, jobs[latest[id]])
	}
	return out
}

func compareCreated(a, b domain.JobInfo) int {
	ca, _ := a.Lifecycle.Created()
	cb, _ := b.Lifecycle.Created()
	return ca.Compare(cb)
}

// durationTime lets an execution time be compared like a timestamp.
func durationTime(d time.Duration) time.Time {
	return time.Unix(0, 0).Add(d)
}

func sortKey(c domain.SortCriteria) func(domain.JobInfo) time.Time {
	switch c {
	case domain.SortFinished:
		return func(j domain.JobInfo) time.Time {
			t, _ := j.Lifecycle.ExecutionFinished()
			return t
		}
	case domain.SortTime:
		return func(j domain.JobInfo) time.Time {
			d, _ := j.Lifecycle.ExecutionTime(time.Now())
			return durationTime(d)
		}
	default:
		return func(j domain.JobInfo) time.Time {
			t, _ := j.Lifecycle.Created()
			return t
		}
	}
}

// Victims returns the jobs a cleanup removes: everything finished before the
// cutoff and everything beyond the maxRecords newest.
func Victims(jobs []domain.JobInfo, maxRecords int, maxAge time.Duration, now time.Time) []domain.JobInfo {
	sorted := Query(jobs, domain.ReadOptions{Sort: domain.SortCreated})
	var victims []domain.JobInfo
	for i, j := range sorted {
		if maxRecords >= 0 && i >= maxRecords {
			victims = append(victims, j)
			continue
		}
		if maxAge > 0 {
			ended, ok := j.Lifecycle.LastChanged()
			if ok && ended.Before(now.Add(-maxAge)) {
				victims = append(victims, j)
			}
		}
	}
	return victims
}
