package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobInstanceID(t *testing.T) {
	id := JobInstanceID{JobID: "backup", InstanceID: "42"}
	assert.Equal(t, "backup@42", id.String())

	parsed, err := ParseJobInstanceID("user@host@42")
	require.NoError(t, err)
	assert.Equal(t, JobInstanceID{JobID: "user@host", InstanceID: "42"}, parsed)

	_, err = ParseJobInstanceID("nope")
	assert.Error(t, err)
}

func TestJobInfoMatches(t *testing.T) {
	info := JobInfo{ID: JobInstanceID{JobID: "db-backup", InstanceID: "abc"}}

	assert.True(t, info.Matches(""))
	assert.True(t, info.Matches("db-*"))
	assert.True(t, info.Matches("abc"))
	assert.True(t, info.Matches("db-*@a*"))
	assert.False(t, info.Matches("web-*"))
	assert.False(t, info.Matches("db-*@x*"))
}

func TestJobValidate(t *testing.T) {
	j := &Job{ID: "j", Executor: JobExecutor{Args: []string{"true"}}}
	require.NoError(t, j.Validate())
	assert.Equal(t, ExecutorTypeProgram, j.ExecutorType)
	assert.Equal(t, ConcurrencyPolicyAllow, j.ConcurrencyPolicy)

	h := &Job{ID: "h", ExecutorType: ExecutorTypeHTTP, Executor: JobExecutor{URL: "http://localhost"}}
	require.NoError(t, h.Validate())
	assert.Equal(t, "GET", h.Executor.Method)

	assert.Error(t, (&Job{}).Validate())
	assert.Error(t, (&Job{ID: "x"}).Validate())
	assert.Error(t, (&Job{ID: "x", ExecutorType: "ftp"}).Validate())
}

func TestDisabledJobMatches(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	glob := DisabledJob{JobID: "nightly-*"}
	assert.True(t, glob.Matches("nightly-report", now))
	assert.False(t, glob.Matches("hourly", now))

	re := DisabledJob{JobID: "job[0-9]+", Regex: true}
	assert.True(t, re.Matches("job12", now))
	assert.False(t, re.Matches("job12x", now))

	expired := DisabledJob{JobID: "*", Expires: now.Add(-time.Minute)}
	assert.False(t, expired.Matches("anything", now))
}

func TestParseSortCriteria(t *testing.T) {
	c, err := ParseSortCriteria("")
	require.NoError(t, err)
	assert.Equal(t, SortCreated, c)

	c, err = ParseSortCriteria("TIME")
	require.NoError(t, err)
	assert.Equal(t, SortTime, c)

	_, err = ParseSortCriteria("size")
	assert.Error(t, err)
}
