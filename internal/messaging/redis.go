package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	xerrors "Fortune-Oracle/internal/errors"
)

// DefaultRedisPrefix 是 Redis 邮箱 key 的前缀。
const DefaultRedisPrefix = "oracle:mailbox:"

// 邮箱 list 的默认长度上限与空闲过期时间。
const (
	DefaultRedisMaxLength = 1000
	DefaultRedisTTL       = 24 * time.Hour
)

// RedisConfig 描述 Redis 邮箱的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Prefix    string
	BlockWait time.Duration
	// MaxLength 限制每个邮箱保留的消息数，超出时丢弃最旧的。
	MaxLength int64
	// TTL 是邮箱在没有新消息时的保留时间。
	TTL time.Duration
}

// RedisMailbox 使用 Redis list 实现邮箱：LPUSH 投递，BRPOP 消费。
type RedisMailbox struct {
	client    redis.UniversalClient
	address   string
	prefix    string
	wait      time.Duration
	maxLength int64
	ttl       time.Duration
}

var (
	_ Mailbox   = (*RedisMailbox)(nil)
	_ Collector = (*RedisMailbox)(nil)
)

// NewRedisMailbox 创建地址 address 的 Redis 邮箱。
func NewRedisMailbox(ctx context.Context, address string, cfg RedisConfig) (*RedisMailbox, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisMailboxWithClient(client, address, cfg), nil
}

// NewRedisMailboxWithClient 复用已有的 Redis 客户端。
func NewRedisMailboxWithClient(client redis.UniversalClient, address string, cfg RedisConfig) *RedisMailbox {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultRedisMaxLength
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisMailbox{client: client, address: address, prefix: prefix, wait: wait, maxLength: maxLength, ttl: ttl}
}

// Address 返回邮箱所属地址。
func (m *RedisMailbox) Address() string {
	return m.address
}

// Key 返回本邮箱的 Redis key。
func (m *RedisMailbox) Key() string {
	return MailboxKey(m.prefix, m.address)
}

// Send 将消息写入目标地址的 list，并裁剪到长度上限。
func (m *RedisMailbox) Send(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidPayload, err, "编码消息失败")
	}
	key := MailboxKey(m.prefix, env.Target)
	if err := m.client.LPush(ctx, key, data).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "Redis 投递消息失败", xerrors.WithMetadata("target", env.Target))
	}
	if err := m.client.LTrim(ctx, key, 0, m.maxLength-1).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "Redis 裁剪邮箱失败", xerrors.WithMetadata("target", env.Target))
	}
	if err := m.client.Expire(ctx, key, m.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "Redis 设置邮箱过期失败", xerrors.WithMetadata("target", env.Target))
	}
	return nil
}

// Receive 通过 BRPOP 消费本邮箱。任一 worker 出错时取消其余 worker 并等待其退出。
func (m *RedisMailbox) Receive(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	key := m.Key()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				values, err := m.client.BRPop(gctx, m.wait, key).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if gctx.Err() != nil {
						return gctx.Err()
					}
					return xerrors.Wrap(xerrors.CodeTransportFailure, err, "Redis 取消息失败")
				}
				if len(values) != 2 {
					continue
				}
				_ = handler(gctx, Delivery{Raw: []byte(values[1])})
			}
		})
	}
	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// Collect 按投递顺序取出 address 邮箱中的消息，无法解码的消息被丢弃。
func (m *RedisMailbox) Collect(ctx context.Context, address string, limit int) ([]*Envelope, error) {
	if limit <= 0 {
		limit = int(m.maxLength)
	}
	values, err := m.client.RPopCount(ctx, MailboxKey(m.prefix, address), limit).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "Redis 领取消息失败", xerrors.WithMetadata("address", address))
	}
	out := make([]*Envelope, 0, len(values))
	for _, raw := range values {
		env, err := Unmarshal([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (m *RedisMailbox) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}
