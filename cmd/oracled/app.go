package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"Fortune-Oracle/internal/agent"
	"Fortune-Oracle/internal/api"
	"Fortune-Oracle/internal/commerce"
	"Fortune-Oracle/internal/config"
	"Fortune-Oracle/internal/fortune"
	"Fortune-Oracle/internal/messaging"
	"Fortune-Oracle/internal/observability/metrics"
	"Fortune-Oracle/internal/web3"
	"Fortune-Oracle/internal/web3/ethereum"
	"Fortune-Oracle/pkg/logger"
)

// app 持有守护进程运行期间的全部组件。
type app struct {
	log        *slog.Logger
	agent      *agent.Agent
	dispatcher *messaging.Dispatcher
	server     *api.Server
	closers    []func()
}

// newApp 按配置装配邮箱、存储、大模型、链客户端与 HTTP 服务。出错时已打开的资源会被释放。
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{log: logger.Named("oracled")}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, err
	}

	identity, err := web3.NewIdentity(cfg.Agent.Seed)
	if err != nil {
		return nil, err
	}

	mailbox, closeMailbox, err := openMailbox(ctx, cfg, identity.Address())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeMailbox)

	repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = repo.Close() })

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return nil, err
	}
	sticks := fortune.NewStickReader(
		fortune.WithLLM(llmClient),
		fortune.WithTimeout(cfg.LLM.Timeout),
		fortune.WithLogger(logger.Named("sticks")),
	)

	agentOpts := []agent.Option{
		agent.WithName(cfg.Agent.Name),
		agent.WithEndpoint(cfg.Agent.Endpoint),
		agent.WithPrice(cfg.Agent.Price),
		agent.WithOutbox(mailbox),
		agent.WithReadingRepository(repo),
		agent.WithRequireSignatures(cfg.Agent.RequireSignatures),
	}
	dispatcherOpts := []messaging.DispatcherOption{
		messaging.WithWorkerCount(cfg.Transport.Workers),
	}
	serverOpts := []api.Option{
		api.WithOutbox(mailbox),
		api.WithStickReader(sticks),
		api.WithSkillFile(cfg.Server.SkillPath),
		api.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		api.WithPayment(api.PaymentConfig{
			Enabled:     cfg.Payment.Enabled,
			Network:     cfg.Payment.Network,
			PayTo:       cfg.Payment.PayTo,
			Price:       cfg.Payment.Price,
			Description: cfg.Payment.Description,
		}),
	}
	if collector, ok := mailbox.(messaging.Collector); ok {
		serverOpts = append(serverOpts, api.WithCollector(collector))
	}

	service, err := createCommerce(cfg)
	if err != nil {
		return nil, err
	}
	if service != nil {
		serverOpts = append(serverOpts, api.WithCommerce(service))
	} else {
		a.log.Info("未配置 Commerce API Key，收银台支付不可用", slog.String("env", cfg.Commerce.APIKeyEnv))
	}

	if cfg.Metrics.Enabled {
		m := metrics.New()
		agentOpts = append(agentOpts, agent.WithObserver(m))
		dispatcherOpts = append(dispatcherOpts, messaging.WithObserver(m))
		serverOpts = append(serverOpts, api.WithObserver(m), api.WithMetricsHandler(cfg.Metrics.Path, m.Handler()))
	}

	if cfg.Chain.RPCURL != "" {
		chain, err := ethereum.NewClient(ctx, ethereum.Config{Name: cfg.Chain.Name, RPCURL: cfg.Chain.RPCURL})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, chain.Close)

		if snapshot, err := chain.FetchChainSnapshot(ctx); err != nil {
			a.log.Warn("获取链信息失败", slog.String("error", err.Error()))
		} else {
			a.log.Info("已连接区块链节点",
				slog.String("chain", cfg.Chain.Name),
				slog.String("chain_id", snapshot.ChainID),
				slog.String("block", snapshot.BlockNumber))
		}
		minimum, err := web3.ParseWei(cfg.Chain.MinBalanceWei)
		if err != nil {
			return nil, err
		}
		agentOpts = append(agentOpts, agent.WithBalanceCheck(chain, minimum))
	}

	a.agent, err = agent.New(identity, agentOpts...)
	if err != nil {
		return nil, err
	}
	a.dispatcher = messaging.NewDispatcher(mailbox, dispatcherOpts...)
	a.agent.Register(a.dispatcher)
	a.server = api.NewServer(cfg.Server.Address, a.agent, serverOpts...)
	return a, nil
}

// Run 同时运行消息分发器与 HTTP 服务。任一方异常退出都会停止另一方并返回错误。
func (a *app) Run(ctx context.Context) error {
	a.agent.Startup(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.dispatcher.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("邮箱停止投递")
		}
		a.log.Error("消息分发器异常退出", slog.String("error", err.Error()))
		return fmt.Errorf("消息分发器异常退出: %w", err)
	})
	g.Go(func() error {
		if err := a.server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	a.log.Info("预言机已停止")
	return nil
}

// Close 按打开的逆序释放资源。
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// createCommerce 在未配置 API Key 时返回 nil。
func createCommerce(cfg *config.Config) (commerce.Service, error) {
	if cfg.Commerce.APIKey == "" {
		return nil, nil
	}
	client, err := commerce.NewClient(commerce.Config{
		APIKey:   cfg.Commerce.APIKey,
		BaseURL:  cfg.Commerce.BaseURL,
		Version:  cfg.Commerce.Version,
		Amount:   cfg.Commerce.Amount,
		Currency: cfg.Commerce.Currency,
		Name:     cfg.Commerce.Name,
		Timeout:  cfg.Commerce.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
