package tools

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-relay/backend/internal/observability"
)

// DefaultConnectTimeout 每个回合发现远程工具的超时时间
const DefaultConnectTimeout = 10 * time.Second

// Catalog 持有所有已配置的后端，为每个回合构建 Toolset
type Catalog struct {
	local          *LocalBackend
	remote         []Backend
	connectTimeout time.Duration
	metrics        *observability.Metrics
}

// NewCatalog 组合本地后端和远程后端。同名工具本地优先，
// 远程后端之间按配置顺序优先
func NewCatalog(local *LocalBackend, remote []Backend, connectTimeout time.Duration, metrics *observability.Metrics) *Catalog {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	return &Catalog{local: local, remote: remote, connectTimeout: connectTimeout, metrics: metrics}
}

// Build 发现本回合可用的工具。远程后端并发连接，
// 失败的后端不贡献任何工具，回合照常进行
func (c *Catalog) Build(ctx context.Context, scope Scope) *Toolset {
	set := newToolset(c.metrics)

	if c.local != nil {
		if b, err := c.local.Open(ctx, scope); err != nil {
			log.Printf("[tools] local tools unavailable: %v", err)
		} else {
			set.add(ctx, b)
		}
	}

	bindings := make([]*Binding, len(c.remote))
	g, gctx := errgroup.WithContext(ctx)
	for i, backend := range c.remote {
		g.Go(func() error {
			dialCtx, cancel := context.WithTimeout(gctx, c.connectTimeout)
			defer cancel()
			b, err := backend.Open(dialCtx, scope)
			if err != nil {
				log.Printf("[tools] remote backend %s unavailable: %v", backend.Name(), err)
				return nil
			}
			bindings[i] = b
			return nil
		})
	}
	_ = g.Wait()

	for _, b := range bindings {
		if b != nil {
			set.add(ctx, b)
		}
	}
	return set
}

// RemoteNames 已配置的远程后端名称
func (c *Catalog) RemoteNames() []string {
	names := make([]string, 0, len(c.remote))
	for _, b := range c.remote {
		names = append(names, b.Name())
	}
	return names
}
