// Package restore 决定丢失实时流的客户端如何拿回
// 助手回合的剩余部分
package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/observability"
	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
)

// ErrNothingToResume 聊天没有可供恢复的流
var ErrNothingToResume = errors.New("nothing to resume")

// DefaultWindow 降级恢复时助手消息需足够新的时间窗口
const DefaultWindow = 15 * time.Second

// Source yields resumed events until io.EOF.
type Source interface {
	Next(ctx context.Context) (stream.Event, error)
}

// Strategy 结合聊天存储和事件日志处理恢复请求
type Strategy struct {
	store   chat.Store
	log     eventlog.Log
	window  time.Duration
	now     func() time.Time
	metrics *observability.Metrics
}

// Option customises a Strategy.
type Option func(*Strategy)

func WithClock(now func() time.Time) Option {
	return func(s *Strategy) { s.now = now }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(s *Strategy) { s.metrics = m }
}

// NewStrategy 创建恢复策略，log 为 nil 时视为关闭
func NewStrategy(store chat.Store, l eventlog.Log, window time.Duration, opts ...Option) *Strategy {
	if l == nil {
		l = eventlog.Nop{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	s := &Strategy{store: store, log: l, window: window, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resume 从 from 开始返回聊天最新会话的事件；
// 日志为空但存在刚生成的助手消息时，返回单个 data-restore 事件
func (s *Strategy) Resume(ctx context.Context, chatID string, from int64) (Source, error) {
	session, ok, err := s.store.LatestStreamSession(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("latest session: %w", err)
	}
	if !ok {
		s.metrics.Resumed("empty")
		return nil, ErrNothingToResume
	}
	if from < 0 {
		from = 0
	}

	has, err := s.log.HasEvents(ctx, session.ID)
	if err != nil {
		log.Printf("[restore] event log unavailable for %s: %v", session.ID, err)
	}
	if has {
		s.metrics.Resumed("replay")
		return s.log.Tail(session.ID, from), nil
	}

	msg, ok, err := s.store.LatestMessage(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	if !ok || msg.Role != chat.RoleAssistant || s.now().Sub(msg.CreatedAt) > s.window {
		s.metrics.Resumed("empty")
		return nil, ErrNothingToResume
	}

	e, err := stream.New(stream.TypeRestore, stream.Restore{Message: msg})
	if err != nil {
		return nil, err
	}
	e.SessionID = session.ID
	s.metrics.Resumed("restore")
	log.Printf("[restore] restoring message %s for chat=%s", msg.ID, chatID)
	return &single{event: e}, nil
}

type single struct {
	event stream.Event
	sent  bool
}

func (s *single) Next(ctx context.Context) (stream.Event, error) {
	if err := ctx.Err(); err != nil {
		return stream.Event{}, err
	}
	if s.sent {
		return stream.Event{}, io.EOF
	}
	s.sent = true
	return s.event, nil
}
