package messaging

import (
	"context"
	"strings"
)

// Delivery 是邮箱交付的一条消息。进程内邮箱直接交付 Envelope，
// 网络邮箱交付原始字节，由消费方解码。
type Delivery struct {
	Envelope *Envelope
	Raw      []byte
}

// Open 返回解码并校验后的消息。
func (d Delivery) Open() (*Envelope, error) {
	if d.Envelope != nil {
		if err := d.Envelope.Validate(); err != nil {
			return nil, err
		}
		return d.Envelope, nil
	}
	return Unmarshal(d.Raw)
}

// Handler 处理一条收到的消息。
type Handler func(ctx context.Context, d Delivery) error

// Outbox 负责将消息投递到目标地址的邮箱。
type Outbox interface {
	Send(ctx context.Context, env *Envelope) error
	Close() error
}

// Inbox 负责消费本地址邮箱中的消息。
type Inbox interface {
	Address() string
	Receive(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Collector 非阻塞地取出某地址邮箱中待领取的消息，最多 limit 条，按投递顺序返回。
// 没有消费者的地址（例如未部署智能体的求签方）通过它领取回复。
type Collector interface {
	Collect(ctx context.Context, address string, limit int) ([]*Envelope, error)
}

// Mailbox 同时具备收发能力。
type Mailbox interface {
	Outbox
	Inbox
}

// MailboxKey 返回地址对应的邮箱名称，地址不区分大小写。
func MailboxKey(prefix, address string) string {
	return prefix + strings.ToLower(strings.TrimSpace(address))
}
