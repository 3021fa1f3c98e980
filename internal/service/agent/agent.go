// Package agent 执行单个回合内的多步模型/工具循环
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-relay/backend/internal/model/stream"
	"github.com/zhouzirui/z-relay/backend/internal/observability"
	"github.com/zhouzirui/z-relay/backend/internal/retry"
	"github.com/zhouzirui/z-relay/backend/internal/service/tools"
)

const (
	DefaultStepBudget       = 20
	DefaultMaxParallelTools = 4
)

// Emitter 接收运行过程中的增量输出。运行被取消后 Emit 返回错误，循环随之停止
type Emitter interface {
	Emit(ctx context.Context, t stream.Type, payload any) error
}

// Config 步骤循环参数
type Config struct {
	StepBudget int
	// MaxRetries 模型调用在产生任何输出前失败时的额外重试次数
	MaxRetries       int
	Backoff          retry.Config
	MaxParallelTools int
	// IsTransient 判断哪些模型错误可以重试，nil 表示都不重试
	IsTransient func(error) bool
}

// Request 一个回合的输入
type Request struct {
	Messages []*schema.Message
	// 没有可用工具时 Tools 可以为 nil
	Tools *tools.Toolset
}

// Result 运行结果摘要
type Result struct {
	Steps        int
	FinishReason string
}

// Agent 驱动支持工具调用的聊天模型
type Agent struct {
	model model.ToolCallingChatModel
	cfg   Config
}

func New(m model.ToolCallingChatModel, cfg Config) *Agent {
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = DefaultStepBudget
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = retry.DefaultConfig()
	}
	cfg.Backoff.MaxAttempts = cfg.MaxRetries + 1
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultMaxParallelTools
	}
	return &Agent{model: m, cfg: cfg}
}

// Run 循环执行步骤，直到模型不再请求工具、步数用尽或 ctx 结束。
// 文本增量随流到达即发出；每一步的工具调用按请求顺序发出，
// 并发执行，结果按相同顺序发出
func (a *Agent) Run(ctx context.Context, req Request, emit Emitter) (Result, error) {
	m := a.model
	if req.Tools != nil && req.Tools.Len() > 0 {
		bound, err := a.model.WithTools(req.Tools.Infos())
		if err != nil {
			return Result{}, fmt.Errorf("bind tools: %w", err)
		}
		m = bound
	}

	conversation := append([]*schema.Message(nil), req.Messages...)
	res := Result{}
	for step := 1; step <= a.cfg.StepBudget; step++ {
		if err := context.Cause(ctx); err != nil {
			return res, err
		}
		res.Steps = step

		msg, err := a.step(ctx, m, conversation, emit, step)
		if err != nil {
			return res, err
		}
		conversation = append(conversation, msg)

		if len(msg.ToolCalls) == 0 {
			res.FinishReason = stream.ReasonCompleted
			return res, nil
		}

		results, err := a.runTools(ctx, req.Tools, msg.ToolCalls, emit, step)
		if err != nil {
			return res, err
		}
		conversation = append(conversation, results...)
	}
	res.FinishReason = stream.ReasonStepBudget
	return res, nil
}

// step 流式执行一次模型调用，只有尚未发出任何内容时失败才会重试
func (a *Agent) step(ctx context.Context, m model.ToolCallingChatModel, conversation []*schema.Message, emit Emitter, step int) (*schema.Message, error) {
	ctx, span := observability.Tracer().Start(ctx, "agent.step")
	span.SetAttributes(attribute.Int("agent.step", step))
	defer span.End()

	var (
		message *schema.Message
		emitted bool
	)
	outcome := retry.Do(ctx, a.cfg.Backoff, func() error {
		if err := context.Cause(ctx); err != nil {
			return retry.Permanent(err)
		}
		sr, err := m.Stream(ctx, conversation)
		if err != nil {
			return a.classify(err, emitted)
		}
		defer sr.Close()

		var chunks []*schema.Message
		for {
			chunk, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return a.classify(err, emitted)
			}
			if chunk == nil {
				continue
			}
			chunks = append(chunks, chunk)
			if chunk.Content != "" {
				if err := emit.Emit(ctx, stream.TypeTextDelta, stream.TextDelta{Delta: chunk.Content}); err != nil {
					return retry.Permanent(err)
				}
				emitted = true
			}
		}

		if len(chunks) == 0 {
			message = schema.AssistantMessage("", nil)
			return nil
		}
		merged, err := schema.ConcatMessages(chunks)
		if err != nil {
			return retry.Permanent(fmt.Errorf("assemble model output: %w", err))
		}
		merged.Role = schema.Assistant
		message = merged
		return nil
	})
	span.SetAttributes(attribute.Int("agent.attempts", outcome.Attempts))
	if outcome.Err != nil {
		span.SetStatus(codes.Error, outcome.Err.Error())
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		return nil, fmt.Errorf("model call failed after %d attempt(s): %w", outcome.Attempts, outcome.Err)
	}
	return message, nil
}

func (a *Agent) classify(err error, emitted bool) error {
	if emitted || a.cfg.IsTransient == nil || !a.cfg.IsTransient(err) {
		return retry.Permanent(err)
	}
	return err
}

func (a *Agent) runTools(ctx context.Context, set *tools.Toolset, calls []schema.ToolCall, emit Emitter, step int) ([]*schema.Message, error) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = fmt.Sprintf("call_%d_%d", step, i)
		}
		if err := emit.Emit(ctx, stream.TypeToolCall, stream.ToolCall{
			ToolCallID: calls[i].ID,
			ToolName:   calls[i].Function.Name,
			Args:       rawArgs(calls[i].Function.Arguments),
		}); err != nil {
			return nil, err
		}
	}

	if err := context.Cause(ctx); err != nil {
		return nil, err
	}

	results := make([]tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.MaxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = invoke(gctx, set, call)
			return nil
		})
	}
	_ = g.Wait()

	messages := make([]*schema.Message, 0, len(calls))
	for i, call := range calls {
		if err := emit.Emit(ctx, stream.TypeToolResult, stream.ToolResult{
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
			Result:     results[i].Content,
			IsError:    results[i].IsError,
		}); err != nil {
			return nil, err
		}
		content := results[i].Content
		if results[i].IsError {
			content = "error: " + content
		}
		messages = append(messages, schema.ToolMessage(content, call.ID, schema.WithToolName(call.Function.Name)))
	}
	return messages, nil
}

func invoke(ctx context.Context, set *tools.Toolset, call schema.ToolCall) tools.Result {
	if err := context.Cause(ctx); err != nil {
		return tools.Result{Content: err.Error(), IsError: true}
	}
	if set == nil {
		return tools.Result{Content: fmt.Sprintf("unknown tool %q", call.Function.Name), IsError: true}
	}

	ctx, span := observability.Tracer().Start(ctx, "tool.invoke")
	span.SetAttributes(attribute.String("tool.name", call.Function.Name))
	defer span.End()

	res := set.Invoke(ctx, call.Function.Name, call.Function.Arguments)
	if res.IsError {
		span.SetStatus(codes.Error, res.Content)
	}
	return res
}

// rawArgs 合法 JSON 参数原样保留，其他内容加引号，保证事件可编码
func rawArgs(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}
