// Package tools 从本地和远程后端组装回合可调用的工具，
// 并把调用分发到对应后端
package tools

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-relay/backend/internal/observability"
)

// Scope 构建工具时的回合上下文
type Scope struct {
	ChatID string
	UserID string
	// Selection 本回合启用的本地工具，为空时全部启用
	Selection []string
}

func (s Scope) selects(name string) bool {
	if len(s.Selection) == 0 {
		return true
	}
	for _, n := range s.Selection {
		if n == name {
			return true
		}
	}
	return false
}

// Binding 后端为一个回合提供的内容
type Binding struct {
	Backend string
	Tools   []tool.InvokableTool
	closer  func() error
}

// Close 释放为本回合持有的后端连接
func (b *Binding) Close() error {
	if b == nil || b.closer == nil {
		return nil
	}
	return b.closer()
}

// Backend 可调用工具的来源
type Backend interface {
	Name() string
	Open(ctx context.Context, scope Scope) (*Binding, error)
}

// Result 一次调用的结果，会回传给模型
type Result struct {
	Content string
	IsError bool
}

type entry struct {
	tool    tool.InvokableTool
	info    *schema.ToolInfo
	backend string
}

// Toolset 单个回合合并后的工具目录
type Toolset struct {
	entries  map[string]entry
	order    []string
	bindings []*Binding
	metrics  *observability.Metrics
}

func newToolset(metrics *observability.Metrics) *Toolset {
	return &Toolset{entries: make(map[string]entry), metrics: metrics}
}

// add 合并一个 binding，同名工具先注册者生效
func (t *Toolset) add(ctx context.Context, b *Binding) {
	t.bindings = append(t.bindings, b)
	for _, it := range b.Tools {
		info, err := it.Info(ctx)
		if err != nil {
			log.Printf("[tools] skipping tool from %s: %v", b.Backend, err)
			continue
		}
		if prev, dup := t.entries[info.Name]; dup {
			log.Printf("[tools] tool %q from %s shadowed by %s", info.Name, b.Backend, prev.backend)
			continue
		}
		t.entries[info.Name] = entry{tool: it, info: info, backend: b.Backend}
		t.order = append(t.order, info.Name)
	}
}

// Infos 返回交给模型的工具描述
func (t *Toolset) Infos() []*schema.ToolInfo {
	infos := make([]*schema.ToolInfo, 0, len(t.order))
	for _, name := range t.order {
		infos = append(infos, t.entries[name].info)
	}
	return infos
}

// Names 返回排序后的工具名
func (t *Toolset) Names() []string {
	names := append([]string(nil), t.order...)
	sort.Strings(names)
	return names
}

func (t *Toolset) Len() int { return len(t.order) }

// Invoke 以 JSON 参数执行指定工具。失败不会以 error 返回，
// 而是作为模型可以处理的错误结果返回
func (t *Toolset) Invoke(ctx context.Context, name, args string) Result {
	e, ok := t.entries[name]
	if !ok {
		t.metrics.ToolInvoked("unknown", true)
		return Result{Content: fmt.Sprintf("unknown tool %q", name), IsError: true}
	}
	if args == "" {
		args = "{}"
	}
	out, err := e.tool.InvokableRun(ctx, args)
	t.metrics.ToolInvoked(e.backend, err != nil)
	if err != nil {
		var execErr *ExecutionError
		if errors.As(err, &execErr) {
			return Result{Content: execErr.Content, IsError: true}
		}
		return Result{Content: err.Error(), IsError: true}
	}
	return Result{Content: out}
}

// Close 释放本回合打开的所有后端连接
func (t *Toolset) Close() error {
	var errs []error
	for _, b := range t.bindings {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Backend, err))
		}
	}
	t.bindings = nil
	return errors.Join(errs...)
}

// ExecutionError 后端报告调用失败时工具返回的错误
type ExecutionError struct {
	Content string
}

func (e *ExecutionError) Error() string { return e.Content }
