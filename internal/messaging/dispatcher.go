package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/pkg/logger"
)

// RouteHandler 处理某一 schema 的消息。
type RouteHandler func(ctx context.Context, env *Envelope) error

// Observer 接收分发结果，用于指标统计。
type Observer interface {
	Handled(schema string)
	Failed(schema string, code xerrors.Code)
}

// Dispatcher 从 Inbox 消费消息并按 schema 交给已注册的处理函数。
// 处理失败的消息记录审计日志后丢弃，不重试。
type Dispatcher struct {
	inbox       Inbox
	workerCount int
	logger      *slog.Logger
	observer    Observer

	mu     sync.RWMutex
	routes map[string]RouteHandler
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) DispatcherOption {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workerCount = workers
		}
	}
}

// WithObserver 设置指标观察者。
func WithObserver(observer Observer) DispatcherOption {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(inbox Inbox, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		inbox:       inbox,
		workerCount: 1,
		routes:      make(map[string]RouteHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.logger == nil {
		d.logger = logger.Named("dispatcher")
	}
	return d
}

// Register 为 schema 注册处理函数，重复注册会覆盖。
func (d *Dispatcher) Register(schema string, handler RouteHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[schema] = handler
}

// Schemas 返回已注册的 schema。
func (d *Dispatcher) Schemas() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.routes))
	for schema := range d.routes {
		out = append(out, schema)
	}
	return out
}

// Run 启动消费循环，直到 ctx 结束。
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.inbox == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置消息邮箱")
	}
	d.logger.Info("开始消费邮箱",
		slog.String("address", d.inbox.Address()),
		slog.Int("workers", d.workerCount))
	return d.inbox.Receive(ctx, d.workerCount, d.Dispatch)
}

// Dispatch 解码一条消息并交给对应的处理函数。
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) (err error) {
	env, err := delivery.Open()
	if err != nil {
		d.fail("", "", err)
		return err
	}

	d.mu.RLock()
	handler, ok := d.routes[env.Schema]
	d.mu.RUnlock()
	if !ok {
		err = xerrors.New(xerrors.CodeUnknownSchema, fmt.Sprintf("没有处理 %s 的函数", env.Schema))
		d.fail(env.Schema, env.ID, err)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("处理消息时发生 panic: %v", r))
			d.fail(env.Schema, env.ID, err)
		}
	}()

	if err = handler(ctx, env); err != nil {
		d.fail(env.Schema, env.ID, err)
		return err
	}
	if d.observer != nil {
		d.observer.Handled(env.Schema)
	}
	return nil
}

func (d *Dispatcher) fail(schema, id string, err error) {
	code := xerrors.CodeOf(err)
	logger.Audit().Warn("消息处理失败，已丢弃",
		slog.String("envelope_id", id),
		slog.String("schema", schema),
		slog.String("error_code", string(code)),
		slog.String("error", err.Error()),
	)
	if d.observer != nil {
		d.observer.Failed(schema, code)
	}
}
