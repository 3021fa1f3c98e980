package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/z-relay/backend/internal/auth"
	"github.com/zhouzirui/z-relay/backend/internal/config"
	"github.com/zhouzirui/z-relay/backend/internal/handler"
	"github.com/zhouzirui/z-relay/backend/internal/model/chat"
	"github.com/zhouzirui/z-relay/backend/internal/model/persona"
	"github.com/zhouzirui/z-relay/backend/internal/observability"
	"github.com/zhouzirui/z-relay/backend/internal/service/agent"
	"github.com/zhouzirui/z-relay/backend/internal/service/ai"
	chatService "github.com/zhouzirui/z-relay/backend/internal/service/chat"
	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
	"github.com/zhouzirui/z-relay/backend/internal/service/maintenance"
	"github.com/zhouzirui/z-relay/backend/internal/service/registry"
	"github.com/zhouzirui/z-relay/backend/internal/service/restore"
	"github.com/zhouzirui/z-relay/backend/internal/service/session"
	"github.com/zhouzirui/z-relay/backend/internal/service/tools"
	"github.com/zhouzirui/z-relay/backend/internal/store/sqlstore"
)

const shutdownTimeout = 10 * time.Second

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	shutdownTracing := observability.SetupTracing(ctx, observability.TraceConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	metrics := observability.NewMetrics(nil)

	stores, err := openStores(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer stores.close()

	personaStore := persona.NewMemoryStore(persona.Seed())
	chatSvc := chatService.NewService(stores.chats, personaStore)

	reg := registry.New(registry.Options{
		MaxAge:           cfg.Registry.MaxAge,
		Capacity:         cfg.Registry.Capacity,
		SweepProbability: cfg.Registry.SweepProbability,
		Metrics:          metrics,
	})

	catalog := buildCatalog(cfg.Tools, stores.chats, metrics)

	var runner session.Runner = unavailableRunner{}
	if cfg.AI.Enabled() {
		chatModel, err := ai.NewChatModel(ctx, cfg.AI)
		if err != nil {
			log.Printf("warning: failed to initialize chat model: %v", err)
			log.Println("continuing without AI functionality - 请检查模型相关环境变量")
		} else {
			runner = newAgent(chatModel, cfg.Stream)
			log.Printf("AI provider %s initialized successfully", cfg.AI.Provider)
		}
	} else {
		log.Println("模型凭证未配置，跳过 AI 功能初始化")
	}

	coordinator := session.New(session.Deps{
		Chats:    chatSvc,
		Store:    stores.chats,
		Personas: personaStore,
		Runner:   runner,
		Catalog:  catalog,
		Log:      stores.log,
		Registry: reg,
		Metrics:  metrics,
	}, session.Options{
		TurnTimeout:        cfg.Stream.TurnTimeout,
		CancelOnDisconnect: cfg.Stream.CancelOnDisconnect,
		HistoryLimit:       cfg.Stream.HistoryLimit,
	})
	restorer := restore.NewStrategy(stores.chats, stores.log, cfg.Stream.RestoreWindow, restore.WithMetrics(metrics))

	maint, err := maintenance.New(maintenance.Config{
		Schedule:  cfg.Registry.SweepSchedule,
		Retention: cfg.EventLog.Retention,
	}, reg, stores.purger)
	if err != nil {
		return err
	}
	maint.Start()

	jwtSvc := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if !jwtSvc.Enabled() {
		log.Println("AUTH_JWT_SECRET 未配置，所有请求以 anonymous 身份处理")
	}

	router := handler.NewRouter(handler.Deps{
		Personas: personaStore,
		ChatSvc:  chatSvc,
		Sessions: coordinator,
		Restorer: restorer,
		Auth:     jwtSvc,
		Ready:    stores.ping,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// SSE 连接要等回合结束才会关闭，所以 Shutdown 一开始就终止进行中的回合
	abortTurnsOnShutdown(srv, coordinator)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		maint.Stop(context.Background())
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	log.Printf("Z Relay backend listening on %s", ln.Addr())
	serveErr := runServer(ctx, srv, ln)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := coordinator.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: turns still running at shutdown: %v", err)
	}
	maint.Stop(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("warning: failed to flush traces: %v", err)
	}
	return serveErr
}

type turnShutdowner interface {
	Shutdown(ctx context.Context) error
}

func abortTurnsOnShutdown(srv *http.Server, turns turnShutdowner) {
	srv.RegisterOnShutdown(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := turns.Shutdown(ctx); err != nil {
			log.Printf("warning: turns still running at shutdown: %v", err)
		}
	})
}

func runServer(ctx context.Context, srv *http.Server, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("warning: http shutdown: %v", err)
		}
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func newAgent(m model.ToolCallingChatModel, cfg config.StreamConfig) *agent.Agent {
	return agent.New(m, agent.Config{
		StepBudget:  cfg.StepBudget,
		MaxRetries:  cfg.MaxRetries,
		IsTransient: ai.IsTransient,
	})
}

func buildCatalog(cfg config.ToolsConfig, history tools.HistoryReader, metrics *observability.Metrics) *tools.Catalog {
	local := tools.NewLocalBackend(tools.CurrentTime(nil), tools.ChatHistory(history))

	remote := make([]tools.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		remote = append(remote, tools.NewRemoteBackend(tools.RemoteConfig{
			Name:      b.Name,
			URL:       b.URL,
			Transport: b.Transport,
			Headers:   b.Headers,
			Timeout:   b.Timeout,
		}, tools.DialMCP))
	}
	catalog := tools.NewCatalog(local, remote, cfg.ConnectTimeout, metrics)
	if names := catalog.RemoteNames(); len(names) > 0 {
		log.Printf("[tools] remote backends: %v", names)
	}
	return catalog
}

// unavailableRunner 未配置模型时对每个回合返回错误
type unavailableRunner struct{}

func (unavailableRunner) Run(context.Context, agent.Request, agent.Emitter) (agent.Result, error) {
	return agent.Result{}, errors.New("chat model not configured")
}

type storeSet struct {
	chats   chat.Store
	log     eventlog.Log
	purger  eventlog.Purger
	pingers []func(context.Context) error
	closers []func() error
}

func (s *storeSet) ping(ctx context.Context) error {
	for _, p := range s.pingers {
		if err := p(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *storeSet) close() {
	for _, c := range s.closers {
		if err := c(); err != nil {
			log.Printf("warning: closing store: %v", err)
		}
	}
}

// openStores 创建消息存储和事件日志，两者使用同一个 SQL 数据库时
// 共用一个连接池
func openStores(ctx context.Context, cfg *config.Config, metrics *observability.Metrics) (*storeSet, error) {
	set := &storeSet{}
	var shared *sqlstore.Store

	switch cfg.Store.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		s, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.Store.Driver), cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
		}
		set.closers = append(set.closers, s.Close)
		set.pingers = append(set.pingers, s.Ping)
		set.chats, shared = s, s
		log.Printf("message store: %s", cfg.Store.Driver)
	default:
		set.chats = chat.NewMemoryStore()
		log.Println("message store: memory (data is lost on restart)")
	}

	logOpts := eventlog.Options{Metrics: metrics}
	switch cfg.EventLog.Driver {
	case config.DriverNone:
		set.log = eventlog.Nop{}
		log.Println("event log disabled: streams cannot be resumed after disconnect")
	case config.DriverMemory:
		backend := eventlog.NewMemoryBackend()
		set.log, set.purger = eventlog.NewDurable(backend, logOpts), backend
	case config.DriverSQLite, config.DriverPostgres:
		backend := shared
		if backend == nil || cfg.EventLog.Driver != cfg.Store.Driver || cfg.EventLog.DSN != cfg.Store.DSN {
			s, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.EventLog.Driver), cfg.EventLog.DSN)
			if err != nil {
				set.close()
				return nil, fmt.Errorf("open %s event log: %w", cfg.EventLog.Driver, err)
			}
			set.closers = append(set.closers, s.Close)
			set.pingers = append(set.pingers, s.Ping)
			backend = s
		}
		set.log, set.purger = eventlog.NewDurable(backend, logOpts), backend
	default:
		set.close()
		return nil, fmt.Errorf("unknown event log driver %q", cfg.EventLog.Driver)
	}
	return set, nil
}
