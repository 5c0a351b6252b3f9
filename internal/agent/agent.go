package agent

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/fortune"
	"Fortune-Oracle/internal/messaging"
	"Fortune-Oracle/internal/storage"
	"Fortune-Oracle/internal/web3"
	"Fortune-Oracle/pkg/logger"
)

// 解签记录的来源。
const (
	SourceEnvelope = "envelope"
	SourceAPI      = "api"
	SourcePaid     = "api-paid"
)

// ReadingObserver 接收每次解签的结果，用于指标统计。
type ReadingObserver interface {
	ObserveReading(phraseIndex int, source string)
}

// Agent 是预言机智能体：接收求签消息，解签并回复发送方。
type Agent struct {
	name              string
	endpoint          string
	price             string
	identity          *web3.Identity
	interpreter       fortune.Interpreter
	outbox            messaging.Outbox
	readings          storage.ReadingRepository
	balance           web3.BalanceReader
	minBalance        *big.Int
	requireSignatures bool
	observer          ReadingObserver
	logger            *slog.Logger
	now               func() time.Time
}

// Option 定义可选的 Agent 配置。
type Option func(*Agent)

// WithName 设置智能体名称。
func WithName(name string) Option {
	return func(a *Agent) {
		a.name = name
	}
}

// WithEndpoint 设置对外公布的消息入口。
func WithEndpoint(endpoint string) Option {
	return func(a *Agent) {
		a.endpoint = endpoint
	}
}

// WithPrice 设置公布的（模拟）价格。
func WithPrice(price string) Option {
	return func(a *Agent) {
		a.price = price
	}
}

// WithOutbox 设置回复使用的发件箱。
func WithOutbox(outbox messaging.Outbox) Option {
	return func(a *Agent) {
		a.outbox = outbox
	}
}

// WithReadingRepository 设置解签历史仓库。
func WithReadingRepository(repo storage.ReadingRepository) Option {
	return func(a *Agent) {
		a.readings = repo
	}
}

// WithBalanceCheck 在启动时检查钱包余额是否低于 minimum。
func WithBalanceCheck(reader web3.BalanceReader, minimum *big.Int) Option {
	return func(a *Agent) {
		a.balance = reader
		a.minBalance = minimum
	}
}

// WithRequireSignatures 拒绝未签名的消息。
func WithRequireSignatures(required bool) Option {
	return func(a *Agent) {
		a.requireSignatures = required
	}
}

// WithObserver 设置解签指标观察者。
func WithObserver(observer ReadingObserver) Option {
	return func(a *Agent) {
		a.observer = observer
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// New 创建一个 Agent。
func New(identity *web3.Identity, opts ...Option) (*Agent, error) {
	if identity == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置智能体身份")
	}
	ag := &Agent{
		name:     "oracle_agent",
		price:    "0.01 USDC",
		identity: identity,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	if ag.logger == nil {
		ag.logger = logger.Named("agent")
	}
	return ag, nil
}

// Address 返回智能体地址。
func (a *Agent) Address() string {
	return a.identity.Address()
}

// Name 返回智能体名称。
func (a *Agent) Name() string {
	return a.name
}

// Identity 返回智能体的签名身份。
func (a *Agent) Identity() *web3.Identity {
	return a.identity
}

// Register 在分发器上注册求签处理函数。
func (a *Agent) Register(d *messaging.Dispatcher) {
	d.Register(messaging.SchemaFortuneRequest, a.HandleRequest)
}

// Startup 输出启动信息，并在配置了链客户端时检查钱包余额。
// 余额不足只记录告警，不会阻止启动。
func (a *Agent) Startup(ctx context.Context) {
	a.logger.Info("预言机智能体已启动",
		slog.String("name", a.name),
		slog.String("address", a.Address()),
		slog.String("endpoint", a.endpoint))
	a.logger.Info(fmt.Sprintf("Ready to interpret fortunes for %s (simulated)", a.price))

	if a.balance == nil {
		return
	}
	status, err := web3.CheckBalance(ctx, a.balance, a.identity.CommonAddress(), a.minBalance)
	if err != nil {
		a.logger.Warn("查询钱包余额失败", slog.String("error", err.Error()))
		return
	}
	if status.Low {
		a.logger.Warn("钱包余额低于阈值",
			slog.String("balance_wei", status.Balance.String()),
			slog.String("minimum_wei", status.Minimum.String()))
		return
	}
	a.logger.Info("钱包余额充足", slog.String("balance_wei", status.Balance.String()))
}

// HandleRequest 处理一条 fortune.request.v1 消息：校验签名、解签、记录并回复。
func (a *Agent) HandleRequest(ctx context.Context, env *messaging.Envelope) error {
	if !web3.SameAddress(env.Target, a.Address()) {
		return xerrors.New(xerrors.CodeInvalidPayload, "消息不是发给本智能体的",
			xerrors.WithMetadata("target", env.Target))
	}
	if env.Signed() {
		if err := env.Verify(); err != nil {
			return err
		}
	} else if a.requireSignatures {
		return xerrors.New(xerrors.CodeSignatureMismatch, "要求消息签名")
	}

	var req fortune.FortuneRequest
	if err := env.Decode(&req); err != nil {
		return err
	}
	a.logger.Info("收到求签请求",
		slog.String("sender", env.Sender),
		slog.String("lots", fortune.FormatLots(req.Lots)))

	reading := a.Cast(ctx, req.Lots, env.Sender, env.ID, SourceEnvelope)

	if a.outbox == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置发件箱")
	}
	reply, err := env.Reply(messaging.SchemaFortuneResponse, a.Address(), fortune.FortuneResponse{Interpretation: reading.Text})
	if err != nil {
		return err
	}
	if err := reply.Sign(a.identity); err != nil {
		return err
	}
	if err := a.outbox.Send(ctx, reply); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "发送解签回复失败",
			xerrors.WithMetadata("target", reply.Target))
	}
	a.logger.Info("已回复解签结果",
		slog.String("sender", env.Sender),
		slog.String("interpretation", reading.Text))
	logger.Audit().Info("解签回复已发送",
		slog.String("request_id", env.ID),
		slog.String("reply_id", reply.ID),
		slog.String("sender", env.Sender),
		slog.Int("phrase_index", reading.Index))
	return nil
}

// Cast 解签并记录结果。记录失败只写日志，解签结果照常返回。
func (a *Agent) Cast(ctx context.Context, lots []int64, sender, envelopeID, source string) fortune.Reading {
	reading := a.interpreter.Cast(lots)
	if a.observer != nil {
		a.observer.ObserveReading(reading.Index, source)
	}
	if a.readings == nil {
		return reading
	}
	record := storage.ReadingRecord{
		ID:             uuid.NewString(),
		EnvelopeID:     envelopeID,
		Sender:         storage.NormalizeSender(sender),
		Source:         source,
		Lots:           reading.Lots,
		Sum:            reading.Sum.String(),
		PhraseIndex:    reading.Index,
		Interpretation: reading.Text,
		CreatedAt:      a.now().Unix(),
	}
	if err := a.readings.Save(ctx, record); err != nil {
		a.logger.Error("保存解签记录失败",
			slog.String("reading_id", record.ID),
			slog.String("error", err.Error()))
	}
	return reading
}

// History 查询解签历史，sender 为空时返回所有发送方的记录。
func (a *Agent) History(ctx context.Context, sender string, limit int) ([]storage.ReadingRecord, error) {
	if a.readings == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置解签历史仓库")
	}
	limit = storage.NormalizeLimit(limit)

	var (
		records []storage.ReadingRecord
		err     error
	)
	if sender = strings.TrimSpace(sender); sender != "" {
		records, err = a.readings.ListBySender(ctx, sender, limit)
	} else {
		records, err = a.readings.ListLatest(ctx, limit)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询解签记录失败")
	}
	return records, nil
}
