// Package maintenance 流式核心的定时维护：
// 清理过期的取消句柄，删除过期的事件日志。
package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Config 维护任务配置
type Config struct {
	Schedule  string
	Retention time.Duration
	// 单次清理的超时时间
	PurgeTimeout time.Duration
}

// Service 持有 cron 调度器
type Service struct {
	cfg      Config
	cron     *cron.Cron
	registry *registry.Registry
	purger   eventlog.Purger
	now      func() time.Time
}

// New 校验调度表达式并注册任务。事件日志关闭或后端不支持清理时
// purger 可以为 nil
func New(cfg Config, reg *registry.Registry, purger eventlog.Purger) (*Service, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.PurgeTimeout <= 0 {
		cfg.PurgeTimeout = 30 * time.Second
	}
	schedule, err := scheduleParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance schedule %q: %w", cfg.Schedule, err)
	}

	s := &Service{cfg: cfg, registry: reg, purger: purger, now: time.Now}
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PurgeTimeout)
		defer cancel()
		s.RunOnce(ctx)
	}))
	return s, nil
}

// RunOnce 执行一次维护并返回清理结果
func (s *Service) RunOnce(ctx context.Context) (swept int, purged int64) {
	if s.registry != nil {
		swept = s.registry.Sweep()
	}
	if s.purger != nil && s.cfg.Retention > 0 {
		n, err := s.purger.Purge(ctx, s.now().Add(-s.cfg.Retention))
		if err != nil {
			log.Printf("[maintenance] event log purge failed: %v", err)
		} else {
			purged = n
		}
	}
	if swept > 0 || purged > 0 {
		log.Printf("[maintenance] swept %d handles, purged %d event logs", swept, purged)
	}
	return swept, purged
}

func (s *Service) Start() {
	s.cron.Start()
	log.Printf("[maintenance] scheduled %q (retention %s)", s.cfg.Schedule, s.cfg.Retention)
}

// Stop halts the scheduler and waits for a running pass, or for ctx.
func (s *Service) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
