// Package maintenance schedules the O(n) administrative scans of the cache
// outside the request path.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/inkclock/tagcache/internal/logging"
)

// Purger 是 Sweeper 依赖的最小接口，cache.Store 满足它。
type Purger interface {
	ClearExpired(ctx context.Context) (int, error)
}

// Sweeper 按 cron 表达式定期调用 ClearExpired；上一轮未结束时跳过本轮。
type Sweeper struct {
	purger  Purger
	logger  logrus.FieldLogger
	timeout time.Duration
	cron    *cron.Cron

	mu      sync.Mutex
	lastRun RunResult
}

// RunResult 记录最近一次清理的结果，供诊断接口输出。
type RunResult struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Purged    int           `json:"purged"`
	Error     string        `json:"error,omitempty"`
}

// NewSweeper 解析 schedule 并注册清理任务，调用 Start 后开始运行。
func NewSweeper(purger Purger, schedule string, timeout time.Duration, logger logrus.FieldLogger) (*Sweeper, error) {
	if purger == nil {
		return nil, errors.New("purger is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	cronLogger := logging.CronLogger{Logger: logger}
	s := &Sweeper{
		purger:  purger,
		logger:  logger,
		timeout: timeout,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
	}

	if _, err := s.cron.AddFunc(schedule, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce performs a single sweep bounded by the configured timeout.
func (s *Sweeper) RunOnce(ctx context.Context) RunResult {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	purged, err := s.purger.ClearExpired(ctx)
	result := RunResult{
		StartedAt: start,
		Duration:  time.Since(start),
		Purged:    purged,
	}

	fields := logrus.Fields{
		"action":   "scheduled_sweep",
		"purged":   purged,
		"duration": result.Duration.String(),
	}
	if err != nil {
		result.Error = err.Error()
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Warn("scheduled sweep failed")
	} else {
		s.logger.WithFields(fields).Info("scheduled sweep finished")
	}

	s.mu.Lock()
	s.lastRun = result
	s.mu.Unlock()
	return result
}

// LastRun returns the result of the most recent sweep.
func (s *Sweeper) LastRun() RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}
