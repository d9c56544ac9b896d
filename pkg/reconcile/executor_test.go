package reconcile

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingJob struct {
	started chan struct{}
	release chan struct{}
	runs    atomic.Int32
}

func (j *blockingJob) Schedule() string { return "@every 1h" }

func (j *blockingJob) Run() {
	j.runs.Add(1)
	j.started <- struct{}{}
	<-j.release
}

func TestRunOnceSkipsOverlappingRun(t *testing.T) {
	job := &blockingJob{started: make(chan struct{}, 1), release: make(chan struct{})}
	exec := NewTaskExecutor(job)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		exec.runOnce(job)
	}()
	<-job.started

	assert.False(t, exec.runOnce(job))

	close(job.release)
	wg.Wait()
	assert.Equal(t, int32(1), job.runs.Load())

	job.release = make(chan struct{})
	close(job.release)
	assert.True(t, exec.runOnce(job))
	<-job.started
	assert.Equal(t, int32(2), job.runs.Load())
}

type badScheduleJob struct{}

func (badScheduleJob) Schedule() string { return "not a schedule" }
func (badScheduleJob) Run()             {}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	exec := NewTaskExecutor(badScheduleJob{})
	require.Error(t, exec.Start())
}
