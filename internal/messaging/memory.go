package messaging

import (
	"container/list"
	"context"
	"strings"
	"sync"

	xerrors "Fortune-Oracle/internal/errors"
)

// DefaultMaxMailboxes 是进程内网络最多保留的待领取邮箱数。
const DefaultMaxMailboxes = 1024

// MemoryNetwork 在进程内按地址维护邮箱，主要用于测试与单进程演示。
//
// 有消费者（Receive/Next）的邮箱满了会拒绝投递；没有消费者的邮箱只保存待领取的回复，
// 满了丢弃最旧的一条，数量超过上限时淘汰最久未投递的邮箱。
type MemoryNetwork struct {
	mu       sync.Mutex
	boxes    map[string]*memoryBox
	idle     *list.List
	size     int
	maxBoxes int
	closed   bool
}

type memoryBox struct {
	key    string
	ch     chan *Envelope
	pinned bool
	elem   *list.Element
}

// MemoryOption 定义 MemoryNetwork 的可选配置。
type MemoryOption func(*MemoryNetwork)

// WithMaxMailboxes 限制没有消费者的邮箱数量。
func WithMaxMailboxes(n int) MemoryOption {
	return func(m *MemoryNetwork) {
		if n > 0 {
			m.maxBoxes = n
		}
	}
}

// NewMemoryNetwork 创建一个进程内消息网络，size 为每个邮箱的缓冲大小。
func NewMemoryNetwork(size int, opts ...MemoryOption) *MemoryNetwork {
	if size <= 0 {
		size = 64
	}
	n := &MemoryNetwork{
		boxes:    make(map[string]*memoryBox),
		idle:     list.New(),
		size:     size,
		maxBoxes: DefaultMaxMailboxes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	return n
}

func mailboxID(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func errNetworkClosed() error {
	return xerrors.New(xerrors.CodeTransportFailure, "消息网络已关闭", xerrors.WithRetryable(false))
}

// lookup 返回地址的邮箱，不存在时创建。调用方必须持有锁。
func (n *MemoryNetwork) lookup(key string) *memoryBox {
	if box, ok := n.boxes[key]; ok {
		if !box.pinned {
			n.idle.MoveToBack(box.elem)
		}
		return box
	}
	for n.idle.Len() >= n.maxBoxes {
		oldest := n.idle.Remove(n.idle.Front()).(*memoryBox)
		delete(n.boxes, oldest.key)
	}
	box := &memoryBox{key: key, ch: make(chan *Envelope, n.size)}
	box.elem = n.idle.PushBack(box)
	n.boxes[key] = box
	return box
}

// listen 将地址标记为有消费者，此后不会被淘汰。
func (n *MemoryNetwork) listen(address string) (chan *Envelope, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errNetworkClosed()
	}
	box := n.lookup(mailboxID(address))
	if !box.pinned {
		n.idle.Remove(box.elem)
		box.elem = nil
		box.pinned = true
	}
	return box.ch, nil
}

// Mailbox 返回地址对应的邮箱。
func (n *MemoryNetwork) Mailbox(address string) *MemoryMailbox {
	return &MemoryMailbox{network: n, address: address}
}

// Mailboxes 返回当前保留的邮箱数量。
func (n *MemoryNetwork) Mailboxes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.boxes)
}

// Close 关闭所有邮箱。
func (n *MemoryNetwork) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for _, box := range n.boxes {
		close(box.ch)
	}
	return nil
}

// MemoryMailbox 是 MemoryNetwork 中某个地址的邮箱。
type MemoryMailbox struct {
	network *MemoryNetwork
	address string
}

var (
	_ Mailbox   = (*MemoryMailbox)(nil)
	_ Collector = (*MemoryMailbox)(nil)
)

// Address 返回邮箱所属地址。
func (m *MemoryMailbox) Address() string {
	return m.address
}

// Send 将消息投递到目标地址的邮箱。
func (m *MemoryMailbox) Send(ctx context.Context, env *Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// 持锁发送，避免与 Close 关闭 channel 竞争。
	n := m.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errNetworkClosed()
	}
	box := n.lookup(mailboxID(env.Target))
	select {
	case box.ch <- env:
		return nil
	default:
	}
	if box.pinned {
		return xerrors.New(xerrors.CodeTransportFailure, "目标邮箱已满", xerrors.WithMetadata("target", env.Target))
	}
	// 待领取的邮箱满了，丢弃最旧的回复。
	select {
	case <-box.ch:
	default:
	}
	box.ch <- env
	return nil
}

// Receive 启动 workerCount 个协程消费邮箱，直到 ctx 结束或网络关闭。
func (m *MemoryMailbox) Receive(ctx context.Context, workerCount int, handler Handler) error {
	ch, err := m.network.listen(m.address)
	if err != nil {
		return err
	}
	if workerCount <= 0 {
		workerCount = 1
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
				case env, ok := <-ch:
					if !ok {
						return
					}
					_ = handler(ctx, Delivery{Envelope: env})
				}
			}
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return errNetworkClosed()
}

// Collect 取出 address 邮箱中待领取的消息。取空的待领取邮箱会被释放。
func (m *MemoryMailbox) Collect(ctx context.Context, address string, limit int) ([]*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = m.network.size
	}
	n := m.network
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, errNetworkClosed()
	}
	box, ok := n.boxes[mailboxID(address)]
	if !ok {
		return nil, nil
	}
	out := make([]*Envelope, 0, min(limit, len(box.ch)))
	for len(out) < limit {
		select {
		case env := <-box.ch:
			out = append(out, env)
			continue
		default:
		}
		break
	}
	if !box.pinned && len(box.ch) == 0 {
		n.idle.Remove(box.elem)
		delete(n.boxes, box.key)
	}
	return out, nil
}

// Close 对单个邮箱无操作，由 MemoryNetwork 统一关闭。
func (m *MemoryMailbox) Close() error {
	return nil
}

// Next 取出一条消息，主要用于测试与命令行客户端。
func (m *MemoryMailbox) Next(ctx context.Context) (*Envelope, error) {
	ch, err := m.network.listen(m.address)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case env, ok := <-ch:
		if !ok {
			return nil, errNetworkClosed()
		}
		return env, nil
	}
}
