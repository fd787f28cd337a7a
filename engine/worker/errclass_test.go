package worker

import (
	"os"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomarr/nomarr/errors"
)

func TestTransientClassifiesLockContention(t *testing.T) {
	assert.False(t, Transient(nil))
	assert.False(t, Transient(errors.New("no such table: jobs")))

	assert.True(t, Transient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, Transient(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.True(t, Transient(errors.Wrap(sqlite3.Error{Code: sqlite3.ErrBusy}, "mark done")))
	assert.True(t, Transient(errors.New("database is locked")))
}

func TestSampleMemoryReportsOwnProcess(t *testing.T) {
	stats, err := SampleMemory()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), stats.PID)
	assert.Positive(t, stats.RSSBytes)
	assert.Positive(t, stats.NumThreads)
}
