package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Fortune-Oracle/internal/errors"
)

// DefaultRabbitMQPrefix 是 RabbitMQ 邮箱队列名的前缀。
const DefaultRabbitMQPrefix = "oracle.mailbox."

// 队列的默认长度上限与空闲过期时间。
const (
	DefaultRabbitMQMaxLength = 1000
	DefaultRabbitMQTTL       = 24 * time.Hour
)

// RabbitMQConfig 描述 RabbitMQ 邮箱的连接参数。
type RabbitMQConfig struct {
	URL      string
	Prefix   string
	Prefetch int
	// MaxLength 限制每个队列保留的消息数，超出时丢弃最旧的。
	MaxLength int
	// TTL 是队列在无人使用时的保留时间，到期由 broker 删除。
	TTL time.Duration
}

// amqpChannel 是邮箱用到的 amqp.Channel 方法。
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Close() error
}

// RabbitMQMailbox 为每个地址声明一个持久化队列，消费使用手动确认。
type RabbitMQMailbox struct {
	conn     io.Closer
	ch       amqpChannel
	address  string
	prefix   string
	args     amqp.Table
	mu       sync.Mutex
	declared map[string]struct{}
}

var (
	_ Mailbox   = (*RabbitMQMailbox)(nil)
	_ Collector = (*RabbitMQMailbox)(nil)
)

// NewRabbitMQMailbox 创建地址 address 的 RabbitMQ 邮箱。
func NewRabbitMQMailbox(address string, cfg RabbitMQConfig) (*RabbitMQMailbox, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("设置 RabbitMQ QOS 失败: %w", err)
		}
	}
	return newRabbitMQMailbox(conn, ch, address, cfg)
}

func newRabbitMQMailbox(conn io.Closer, ch amqpChannel, address string, cfg RabbitMQConfig) (*RabbitMQMailbox, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRabbitMQPrefix
	}
	maxLength := cfg.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultRabbitMQMaxLength
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultRabbitMQTTL
	}
	m := &RabbitMQMailbox{
		conn:    conn,
		ch:      ch,
		address: address,
		prefix:  prefix,
		args: amqp.Table{
			"x-max-length": int64(maxLength),
			"x-overflow":   "drop-head",
			"x-expires":    ttl.Milliseconds(),
		},
		declared: make(map[string]struct{}),
	}
	if err := m.declare(MailboxKey(prefix, address)); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *RabbitMQMailbox) declare(queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.declared[queue]; ok {
		return nil
	}
	if _, err := m.ch.QueueDeclare(queue, true, false, false, false, m.args); err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	m.declared[queue] = struct{}{}
	return nil
}

// Address 返回邮箱所属地址。
func (m *RabbitMQMailbox) Address() string {
	return m.address
}

// Send 将消息发布到目标地址的队列。
func (m *RabbitMQMailbox) Send(ctx context.Context, env *Envelope) error {
	if m == nil || m.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 邮箱未初始化")
	}
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidPayload, err, "编码消息失败")
	}
	queue := MailboxKey(m.prefix, env.Target)
	if err := m.declare(queue); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "声明目标队列失败")
	}
	err = m.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Type:         env.Schema,
		Body:         data,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "RabbitMQ 投递消息失败", xerrors.WithMetadata("target", env.Target))
	}
	return nil
}

// Receive 使用手动确认模式消费本邮箱队列。消息处理完成后即确认，失败不重投。
// broker 关闭投递通道时返回传输错误。
func (m *RabbitMQMailbox) Receive(ctx context.Context, workerCount int, handler Handler) error {
	if m == nil || m.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 邮箱未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := m.ch.Consume(MailboxKey(m.prefix, m.address), "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					_ = handler(ctx, Delivery{Raw: msg.Body})
					_ = msg.Ack(false)
				}
			}
		}()
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return xerrors.New(xerrors.CodeTransportFailure, "RabbitMQ 投递通道已关闭")
}

// Collect 通过 basic.get 取出 address 队列中的消息，无法解码的消息被确认后丢弃。
func (m *RabbitMQMailbox) Collect(ctx context.Context, address string, limit int) ([]*Envelope, error) {
	if m == nil || m.ch == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 邮箱未初始化")
	}
	if limit <= 0 {
		limit = DefaultRabbitMQMaxLength
	}
	queue := MailboxKey(m.prefix, address)
	if err := m.declare(queue); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "声明邮箱队列失败")
	}
	var out []*Envelope
	for len(out) < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		msg, ok, err := m.ch.Get(queue, true)
		if err != nil {
			return out, xerrors.Wrap(xerrors.CodeTransportFailure, err, "RabbitMQ 领取消息失败", xerrors.WithMetadata("address", address))
		}
		if !ok {
			break
		}
		env, err := Unmarshal(msg.Body)
		if err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// Close 关闭 RabbitMQ 连接。
func (m *RabbitMQMailbox) Close() error {
	if m == nil {
		return nil
	}
	if m.ch != nil {
		_ = m.ch.Close()
	}
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}
