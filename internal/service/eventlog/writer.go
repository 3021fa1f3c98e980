package eventlog

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/observability"
	"github.com/zhouzirui/z-relay/backend/internal/retry"
)

// Source Writer 的数据来源，fanout.Queue 满足该接口
type Source interface {
	Next(ctx context.Context) (stream.Event, error)
}

// Writer 在独立 goroutine 中按顺序把会话事件从 Source 复制到 Log。
// 写入失败会重试；重试耗尽后停止写入并封存会话，
// 保证已存储的日志是已发出事件的无空洞前缀
type Writer struct {
	log     Log
	retry   retry.Config
	metrics *observability.Metrics
}

// NewWriter 创建写入器，retry 配置为零值时使用 retry.DefaultConfig
func NewWriter(l Log, cfg retry.Config, metrics *observability.Metrics) *Writer {
	if cfg.MaxAttempts <= 0 {
		cfg = retry.DefaultConfig()
	}
	return &Writer{log: l, retry: cfg, metrics: metrics}
}

// Run 持续读取 src 直到 io.EOF，然后封存会话。ctx 只约束单次后端调用，
// 生命周期应长于生成本身
func (w *Writer) Run(ctx context.Context, sessionID string, src Source) error {
	var failed error
	for {
		e, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			failed = err
			break
		}
		if failed != nil {
			continue
		}

		res := retry.Do(ctx, w.retry, func() error {
			err := w.log.Append(ctx, e)
			if errors.Is(err, ErrSequenceConflict) || errors.Is(err, ErrSealed) {
				return retry.Permanent(err)
			}
			return err
		})
		if res.Err != nil {
			failed = res.Err
			w.metrics.EventLogFailed()
			log.Printf("[eventlog] giving up on %s at #%d after %d attempts: %v", sessionID, e.Sequence, res.Attempts, res.Err)
		}
	}

	sealCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.log.Close(sealCtx, sessionID); err != nil {
		log.Printf("[eventlog] seal %s failed: %v", sessionID, err)
		if failed == nil {
			failed = err
		}
	}
	return failed
}
