package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"Encore/logger"
	"Encore/metrics"

	"github.com/robfig/cron/v3"
)

// ErrJobRunning is returned by RunNow when the job is already running in this Scheduler.
var ErrJobRunning = errors.New("job is already running")

// Func is the body of a scheduled job.
type Func func(ctx context.Context) error

type job struct {
	name    string
	spec    string
	fn      Func
	running sync.Mutex
}

// Scheduler runs named jobs on cron specs. Within one Scheduler a job's
// cron runs and RunNow calls never overlap; a run that finds the job busy is
// skipped. Jobs that must not overlap across processes take their own lock.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration

	mu       sync.Mutex
	jobs     map[string]*job
	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
}

// cronLogger 将 cron 内部日志接入 zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.L().Sugar().Debugw("[Jobs] "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.L().Sugar().Errorw("[Jobs] "+msg, append(keysAndValues, "error", err)...)
}

// NewScheduler creates a Scheduler. Each run is cancelled after timeout.
func NewScheduler(timeout time.Duration) *Scheduler {
	l := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
		timeout: timeout,
		jobs:    make(map[string]*job),
		ctx:     ctx,
		stop:    cancel,
	}
}

// Add registers fn under name. An empty spec registers the job for RunNow only.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, func() { _ = s.execute(s.ctx, j) }); err != nil {
			return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
		}
	}
	s.jobs[name] = j
	return nil
}

// Names lists registered jobs.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow executes the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j *job) error {
	if !j.running.TryLock() {
		logger.Warn("[Jobs] 任务仍在运行，跳过本次执行", logger.String("job", j.name))
		return ErrJobRunning
	}
	defer j.running.Unlock()

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := j.fn(ctx)
	took := time.Since(start)
	metrics.RecordJob(j.name, took, err == nil)

	if err != nil {
		logger.Error("[Jobs] 任务执行失败",
			logger.String("job", j.name),
			logger.Duration("took", took),
			logger.ErrorField(err))
		return err
	}
	logger.Debug("[Jobs] 任务执行完成",
		logger.String("job", j.name),
		logger.Duration("took", took))
	return nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("[Jobs] 定时任务已启动", logger.Int("jobs", len(s.cron.Entries())))
}

// Stop prevents new runs, cancels running ones and waits for them to return.
// Calling it again is a no-op.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		done := s.cron.Stop()
		s.stop()
		<-done.Done()
		logger.Info("[Jobs] 定时任务已停止")
	})
}
