package main

import (
	"context"
	"fmt"

	"Fortune-Oracle/internal/config"
	"Fortune-Oracle/internal/llm"
	"Fortune-Oracle/internal/llm/openai"
	"Fortune-Oracle/internal/messaging"
	"Fortune-Oracle/internal/storage"
	"Fortune-Oracle/internal/storage/mysql"
	"Fortune-Oracle/internal/storage/sqlite"
)

// openMailbox 根据 transport.driver 创建本智能体的邮箱。返回的函数负责释放连接。
func openMailbox(ctx context.Context, cfg *config.Config, address string) (messaging.Mailbox, func(), error) {
	switch cfg.Transport.Driver {
	case "", "memory":
		network := messaging.NewMemoryNetwork(cfg.Transport.Buffer, messaging.WithMaxMailboxes(cfg.Transport.MaxMailboxes))
		return network.Mailbox(address), func() { _ = network.Close() }, nil
	case "redis":
		box, err := messaging.NewRedisMailbox(ctx, address, messaging.RedisConfig{
			Address:   cfg.Transport.Redis.Address,
			Password:  cfg.Transport.Redis.Password,
			DB:        cfg.Transport.Redis.DB,
			Prefix:    cfg.Transport.Redis.Prefix,
			BlockWait: cfg.Transport.Redis.BlockWait,
			MaxLength: cfg.Transport.Redis.MaxLength,
			TTL:       cfg.Transport.Redis.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return box, func() { _ = box.Close() }, nil
	case "rabbitmq":
		box, err := messaging.NewRabbitMQMailbox(address, messaging.RabbitMQConfig{
			URL:       cfg.Transport.RabbitMQ.URL,
			Prefix:    cfg.Transport.RabbitMQ.Prefix,
			Prefetch:  cfg.Transport.RabbitMQ.Prefetch,
			MaxLength: cfg.Transport.RabbitMQ.MaxLength,
			TTL:       cfg.Transport.RabbitMQ.TTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return box, func() { _ = box.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("未知的消息驱动: %s", cfg.Transport.Driver)
	}
}

// openRepository 根据 storage.driver 创建解签历史仓库。
func openRepository(ctx context.Context, cfg *config.Config) (storage.ReadingRepository, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return storage.NewMemoryReadingRepository(cfg.Runtime.DataDir)
	case "sqlite":
		return sqlite.Open(ctx, cfg.Storage.Path)
	case "mysql":
		return mysql.Open(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// createLLMClient 在 provider 为 none 时返回 nil，三签解读使用固定文本。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:     cfg.LLM.APIKey,
			BaseURL:    cfg.LLM.BaseURL,
			Model:      cfg.LLM.Model,
			Timeout:    cfg.LLM.Timeout,
			MaxRetries: cfg.LLM.MaxRetries,
		})
		if err != nil {
			return nil, fmt.Errorf("OpenAI provider 需要配置 api_key 或 %s: %w", cfg.LLM.APIKeyEnv, err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
