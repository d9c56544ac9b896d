package reconcile

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/docsupply/platform/pkg/common/logger"
	cron "github.com/robfig/cron"
)

type CronJob interface {
	Schedule() string
	Run()
}

// TaskExecutor runs cron jobs and skips a tick while the previous run of the
// same job is still going.
type TaskExecutor struct {
	cron    *cron.Cron
	jobs    []CronJob
	running mapset.Set[CronJob]
	mu      sync.Mutex
}

func NewTaskExecutor(jobs ...CronJob) *TaskExecutor {
	return &TaskExecutor{
		cron:    cron.New(),
		jobs:    jobs,
		running: mapset.NewThreadUnsafeSet[CronJob](),
	}
}

// Start registers every job and starts the scheduler.
func (t *TaskExecutor) Start() error {
	for _, job := range t.jobs {
		job := job
		if err := t.cron.AddFunc(job.Schedule(), func() { t.runOnce(job) }); err != nil {
			return err
		}
	}
	t.cron.Start()
	return nil
}

// runOnce returns false when the job was skipped because it is still running.
func (t *TaskExecutor) runOnce(job CronJob) bool {
	t.mu.Lock()
	if t.running.Contains(job) {
		t.mu.Unlock()
		logger.Log.Warn("Scheduled task still running, skipping tick")
		return false
	}
	t.running.Add(job)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.running.Remove(job)
	}()

	job.Run()
	return true
}

func (t *TaskExecutor) Stop() {
	logger.Log.Info("Stopping scheduled tasks")
	t.cron.Stop()
}
