// Package session 启动助手回合并管理其生命周期：
// 事件扇出、持久化日志、取消以及最终落库
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/persona"
	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/observability"
	"github.com/zhouzirui/z-relay/backend/internal/retry"
	"github.com/zhouzirui/z-relay/backend/internal/service/agent"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
	chatsvc "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
	"github.com/zhouzirui/z-relay/backend/internal/service/fanout"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
	"github.com/zhouzirui/z-relay/backend/internal/service/tools"
)

var (
	ErrEmptyMessage       = errors.New("message is empty")
	ErrNoActiveSession    = errors.New("no active session for chat")
	ErrShuttingDown       = errors.New("server shutting down")
	ErrCanceled           = errors.New("canceled by user")
	ErrClientDisconnected = errors.New("client disconnected")
	ErrTurnTimeout        = errors.New("turn timed out")
)

const failureMessage = "The assistant could not finish this response. Please try again."

// Runner 执行回合内的模型/工具循环
type Runner interface {
	Run(ctx context.Context, req agent.Request, emit agent.Emitter) (agent.Result, error)
}

// Options 回合处理参数
type Options struct {
	TurnTimeout        time.Duration
	CancelOnDisconnect bool
	// HistoryLimit 发送给模型的历史消息上限
	HistoryLimit   int
	PersistTimeout time.Duration
	WriterRetry    retry.Config
	Now            func() time.Time
}

// Deps Coordinator 的依赖
type Deps struct {
	Chats    *chatsvc.Service
	Store    chat.Store
	Personas persona.Store
	Prompts  *ai.PersonaPromptManager
	Runner   Runner
	Catalog  *tools.Catalog
	Log      eventlog.Log
	Registry *registry.Registry
	Metrics  *observability.Metrics
}

// Coordinator 启动回合并协调其消费者
type Coordinator struct {
	deps    Deps
	opts    Options
	writer  *eventlog.Writer
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New 创建 Coordinator，Log 为 nil 时以不支持恢复的降级模式运行
func New(deps Deps, opts Options) *Coordinator {
	if deps.Log == nil {
		deps.Log = eventlog.Nop{}
	}
	if deps.Prompts == nil {
		deps.Prompts = ai.NewPersonaPromptManager()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New(registry.Options{Metrics: deps.Metrics})
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 60 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		deps:   deps,
		opts:   opts,
		writer: eventlog.NewWriter(deps.Log, opts.WriterRetry, deps.Metrics),
	}
}

// TurnRequest 需要回答的一条用户消息
type TurnRequest struct {
	ChatID      string
	UserID      string
	Text        string
	Attachments []chat.Attachment
	// ToolSelection 本回合使用的本地工具，nil 时使用角色默认值
	ToolSelection []string
}

// StartTurn 校验请求，保存用户消息并创建新的流会话，
// 然后脱离 ctx 启动生成。事件从返回的 Turn 中读取
func (c *Coordinator) StartTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if c.closing.Load() {
		return nil, ErrShuttingDown
	}
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	ch, err := c.deps.Chats.Authorize(ctx, req.ChatID, req.UserID)
	if err != nil {
		return nil, err
	}
	userMsg, err := c.deps.Chats.RecordUserMessage(ctx, ch, text, req.Attachments)
	if err != nil {
		return nil, fmt.Errorf("store user message: %w", err)
	}

	history, err := c.deps.Store.ListMessages(ctx, ch.ID, c.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	session := chat.StreamSession{ID: shortuuid.New(), ChatID: ch.ID, CreatedAt: c.opts.Now().UTC()}
	if err := c.deps.Store.CreateStreamSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create stream session: %w", err)
	}

	base, cancel := context.WithCancelCause(context.Background())
	handle := registry.NewHandle(session.ID, session.CreatedAt, cancel)
	c.deps.Registry.Register(session.ID, handle)

	live := fanout.NewQueue()
	col := &collector{}
	sinks := []fanout.Sink{live, col}
	var logQueue *fanout.Queue
	if c.deps.Log.Enabled() {
		logQueue = fanout.NewQueue()
		sinks = append(sinks, logQueue)
	}

	t := &Turn{
		session:            session,
		userMessage:        userMsg,
		live:               live,
		handle:             handle,
		cancelOnDisconnect: c.opts.CancelOnDisconnect,
		done:               make(chan struct{}),
	}
	g := &generation{
		c:        c,
		chat:     ch,
		session:  session,
		history:  history,
		req:      req,
		base:     base,
		handle:   handle,
		seq:      fanout.NewSequencer(session.ID, sinks...),
		live:     live,
		logQueue: logQueue,
		col:      col,
		done:     t.done,
	}

	c.wg.Add(1)
	go g.run()

	log.Printf("[session] started %s for chat=%s user=%s", session.ID, ch.ID, req.UserID)
	return t, nil
}

// Cancel 终止 sessionID 对应的生成
func (c *Coordinator) Cancel(sessionID string) bool {
	h, ok := c.deps.Registry.Get(sessionID)
	if !ok {
		return false
	}
	return h.Abort(ErrCanceled)
}

// CancelChat 终止用户所拥有聊天的当前会话
func (c *Coordinator) CancelChat(ctx context.Context, chatID, userID string) (chat.StreamSession, error) {
	if _, err := c.deps.Chats.Authorize(ctx, chatID, userID); err != nil {
		return chat.StreamSession{}, err
	}
	session, ok, err := c.deps.Store.LatestStreamSession(ctx, chatID)
	if err != nil {
		return chat.StreamSession{}, err
	}
	if !ok || !c.Cancel(session.ID) {
		return chat.StreamSession{}, ErrNoActiveSession
	}
	return session, nil
}

// Shutdown 终止进行中的回合并等待其收尾完成
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.closing.Store(true)
	if n := c.deps.Registry.AbortAll(ErrShuttingDown); n > 0 {
		log.Printf("[session] aborted %d in-flight turns", n)
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type generation struct {
	c        *Coordinator
	chat     chat.Chat
	session  chat.StreamSession
	history  []chat.Message
	req      TurnRequest
	base     context.Context
	handle   *registry.Handle
	seq      *fanout.Sequencer
	live     *fanout.Queue
	logQueue *fanout.Queue
	col      *collector
	done     chan struct{}
}

// Emit 发布 agent 输出；回合已终止时丢弃，
// 保证取消之后产生的内容不会到达消费者或存储的消息
func (g *generation) Emit(ctx context.Context, t stream.Type, payload any) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}
	_, err := g.seq.Publish(ctx, t, payload)
	return err
}

func (g *generation) run() {
	c := g.c
	defer c.wg.Done()
	defer close(g.done)

	ctx, cancelTimeout := context.WithTimeoutCause(g.base, c.opts.TurnTimeout, ErrTurnTimeout)
	defer cancelTimeout()

	ctx, span := observability.Tracer().Start(ctx, "session.turn")
	span.SetAttributes(
		attribute.String("session.id", g.session.ID),
		attribute.String("chat.id", g.chat.ID),
	)
	defer span.End()

	c.deps.Metrics.TurnStarted()

	writerDone := make(chan struct{})
	if g.logQueue != nil {
		go func() {
			defer close(writerDone)
			_ = c.writer.Run(context.WithoutCancel(ctx), g.session.ID, g.logQueue)
		}()
	} else {
		close(writerDone)
	}

	var (
		result agent.Result
		runErr error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("generation panic: %v", r)
			}
		}()
		result, runErr = g.generate(ctx)
	}()

	outcome := g.finish(ctx, result, runErr)
	if outcome == "error" {
		span.SetStatus(codes.Error, fmt.Sprint(runErr))
	}
	span.SetAttributes(attribute.String("turn.outcome", outcome), attribute.Int("turn.steps", result.Steps))

	g.live.Close()
	if g.logQueue != nil {
		g.logQueue.Close()
	}
	<-writerDone
	c.deps.Registry.Release(g.handle)
	c.deps.Metrics.TurnFinished(outcome)
}

func (g *generation) generate(ctx context.Context) (agent.Result, error) {
	c := g.c
	p := persona.Resolve(c.deps.Personas, g.chat.PersonaID)

	selection := g.req.ToolSelection
	if selection == nil {
		selection = p.Tools
	}

	var set *tools.Toolset
	if c.deps.Catalog != nil {
		set = c.deps.Catalog.Build(ctx, tools.Scope{ChatID: g.chat.ID, UserID: g.req.UserID, Selection: selection})
		defer func() {
			if err := set.Close(); err != nil {
				log.Printf("[session] closing tools of %s: %v", g.session.ID, err)
			}
		}()
	}

	var toolNames []string
	if set != nil {
		toolNames = set.Names()
	}
	messages := make([]*schema.Message, 0, len(g.history)+1)
	messages = append(messages, schema.SystemMessage(c.deps.Prompts.BuildSystemPrompt(p, toolNames, c.opts.Now())))
	messages = append(messages, ai.BuildHistory(g.history)...)

	return c.deps.Runner.Run(ctx, agent.Request{Messages: messages, Tools: set}, g)
}

// finish 持久化已发出的内容并发布终止事件，
// 返回用于指标的结果标签
func (g *generation) finish(ctx context.Context, result agent.Result, runErr error) string {
	c := g.c
	cause := context.Cause(ctx)

	var (
		terminal stream.Type
		done     stream.Done
		outcome  string
	)
	switch {
	case runErr == nil:
		terminal, done.Reason = stream.TypeDone, result.FinishReason
		if done.Reason == "" {
			done.Reason = stream.ReasonCompleted
		}
		outcome = done.Reason
	case errors.Is(cause, ErrTurnTimeout):
		terminal, done.Reason, outcome = stream.TypeDone, stream.ReasonTimeout, stream.ReasonTimeout
	case cause != nil:
		terminal, done.Reason, outcome = stream.TypeDone, stream.ReasonCanceled, stream.ReasonCanceled
		log.Printf("[session] %s stopped: %v", g.session.ID, cause)
	default:
		terminal, outcome = stream.TypeError, "error"
		log.Printf("[session] %s failed after %d steps: %v", g.session.ID, result.Steps, runErr)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PersistTimeout)
	defer cancel()

	if msg, ok := g.col.message(uuid.NewString(), g.chat.ID, c.opts.Now().UTC()); ok {
		if err := c.deps.Store.AppendMessage(persistCtx, msg); err != nil {
			log.Printf("[session] failed to persist assistant message for %s: %v", g.session.ID, err)
		} else {
			done.MessageID = msg.ID
		}
	}

	var payload any = done
	if terminal == stream.TypeError {
		payload = stream.Error{Message: failureMessage}
	}
	if _, err := g.seq.Publish(persistCtx, terminal, payload); err != nil {
		log.Printf("[session] failed to publish terminal event for %s: %v", g.session.ID, err)
	}
	return outcome
}
