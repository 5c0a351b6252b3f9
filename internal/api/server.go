package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Fortune-Oracle/internal/agent"
	"Fortune-Oracle/internal/commerce"
	xerrors "Fortune-Oracle/internal/errors"
	"Fortune-Oracle/internal/fortune"
	"Fortune-Oracle/internal/messaging"
	"Fortune-Oracle/internal/storage"
	"Fortune-Oracle/internal/web3"
	"Fortune-Oracle/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Observer 接收 HTTP 层的指标。
type Observer interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
	ObserveStickReading(category string, degraded bool)
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr            string
	agent           *agent.Agent
	outbox          messaging.Outbox
	sticks          *fortune.StickReader
	collector       messaging.Collector
	accessWindow    time.Duration
	commerce        commerce.Service
	skillPath       string
	payment         PaymentConfig
	observer        Observer
	metricsPath     string
	metricsHandler  http.Handler
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// Option 定义可选配置。
type Option func(*Server)

// WithOutbox 设置 /submit 收到消息后投递的邮箱。
func WithOutbox(outbox messaging.Outbox) Option {
	return func(s *Server) {
		s.outbox = outbox
	}
}

// WithCollector 启用 /api/v1/mailbox 领取回复。
func WithCollector(collector messaging.Collector) Option {
	return func(s *Server) {
		s.collector = collector
	}
}

// WithAccessWindow 设置领取签名允许的时钟偏差。
func WithAccessWindow(window time.Duration) Option {
	return func(s *Server) {
		if window > 0 {
			s.accessWindow = window
		}
	}
}

// WithStickReader 设置三签解读器。
func WithStickReader(reader *fortune.StickReader) Option {
	return func(s *Server) {
		s.sticks = reader
	}
}

// WithPayment 设置付费接口的收款要求。
func WithPayment(cfg PaymentConfig) Option {
	return func(s *Server) {
		s.payment = cfg
	}
}

// WithObserver 设置指标观察者。
func WithObserver(observer Observer) Option {
	return func(s *Server) {
		s.observer = observer
	}
}

// WithMetricsHandler 在 path 上暴露指标。
func WithMetricsHandler(path string, handler http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metricsHandler = handler
	}
}

// WithTimeouts 设置读写与关闭超时，非正值保留默认。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, ag *agent.Agent, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		agent:           ag,
		readTimeout:     15 * time.Second,
		writeTimeout:    90 * time.Second,
		shutdownTimeout: 5 * time.Second,
		accessWindow:    messaging.DefaultAccessWindow,
		skillPath:       DefaultSkillPath,
		now:             time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.sticks == nil {
		s.sticks = fortune.NewStickReader()
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "/submit", http.MethodPost, s.handleSubmit)
	s.route(mux, "/api/health", http.MethodGet, s.handleHealth)
	s.route(mux, "/api/fortune/interpret-free", http.MethodPost, s.handleInterpretFree)
	s.route(mux, "/api/fortune/interpret", http.MethodPost, s.requirePayment(s.handleInterpretPaid))
	s.route(mux, "/api/v1/readings", http.MethodGet, s.handleReadings)
	s.route(mux, "/api/v1/mailbox/{address}", http.MethodGet, s.handleMailbox)
	s.route(mux, "/api/commerce/create-charge", http.MethodPost, s.handleCreateCharge)
	s.route(mux, "/api/fortune/interpret-commerce", http.MethodPost, s.handleInterpretCommerce)
	s.route(mux, "/api/skill", http.MethodGet, s.handleSkill)
	if s.metricsHandler != nil && s.metricsPath != "" {
		mux.Handle(s.metricsPath, s.metricsHandler)
	}
	return withCORS(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// route 注册单一方法的路由并记录指标。
func (s *Server) route(mux *http.ServeMux, path, method string, handler http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if r.Method != method {
			rec.Header().Set("Allow", method)
			writeJSON(rec, http.StatusMethodNotAllowed, errorBody{Error: "仅支持 " + method, Code: string(xerrors.CodeInvalidArgument)})
		} else {
			handler(rec, r)
		}
		if s.observer != nil {
			s.observer.ObserveHTTPRequest(path, r.Method, rec.status, time.Since(start))
		}
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil || s.outbox == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "智能体未初始化"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, xerrors.Wrap(xerrors.CodeInvalidPayload, err, "读取请求体失败"))
		return
	}
	env, err := messaging.Unmarshal(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !web3.SameAddress(env.Target, s.agent.Address()) {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidPayload, "消息接收方不是本智能体",
			xerrors.WithMetadata("target", env.Target)))
		return
	}
	if err := s.outbox.Send(r.Context(), env); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": env.ID, "status": "queued"})
}

// HealthResponse 是 /api/health 的响应体。
type HealthResponse struct {
	Status         string `json:"status"`
	Agent          string `json:"agent"`
	Address        string `json:"address"`
	PaymentEnabled bool   `json:"payment_enabled"`
	Network        string `json:"network"`
	PayTo          string `json:"payTo"`
	Price          string `json:"price"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:         "ok",
		PaymentEnabled: s.payment.Enabled,
		Network:        s.payment.Network,
		PayTo:          s.payment.PayTo,
		Price:          s.payment.Price,
	}
	if resp.PayTo == "" {
		resp.PayTo = "(not set)"
	}
	if s.agent != nil {
		resp.Agent = s.agent.Name()
		resp.Address = s.agent.Address()
	}
	writeJSON(w, http.StatusOK, resp)
}

// InterpretRequest 是解签接口的请求体。lots 与三签字段可以同时提供。
type InterpretRequest struct {
	Lots         []int64          `json:"lots"`
	StickNumbers []int            `json:"stickNumbers,omitempty"`
	Category     fortune.Category `json:"category,omitempty"`
	Language     fortune.Language `json:"language,omitempty"`
	WishText     string           `json:"wishText,omitempty"`
	// Reference 在未提供签号时用于推导三支签，例如支付单号。
	Reference string `json:"reference,omitempty"`
}

func (r InterpretRequest) wantsSticks() bool {
	return len(r.StickNumbers) > 0 || r.Category != "" || r.Reference != ""
}

// InterpretResponse 是解签接口的响应体。
type InterpretResponse struct {
	Interpretation string `json:"interpretation,omitempty"`
	*fortune.StickReading
	Payer     string `json:"payer,omitempty"`
	Paid      bool   `json:"x402_paid"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) handleInterpretFree(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInterpret(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.wantsSticks() && req.Category == "" {
		req.Category = fortune.CategoryCareer
	}
	resp, err := s.interpret(r.Context(), req, "", agent.SourceAPI)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInterpretPaid(w http.ResponseWriter, r *http.Request) {
	payer, paid := PayerFromContext(r.Context())
	if !paid {
		payer = "demo"
	}

	req, err := decodeInterpret(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.wantsSticks() && req.Category == "" {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidPayload, "category is required"))
		return
	}

	sender := ""
	if paid {
		sender = payer
	}
	resp, err := s.interpret(r.Context(), req, sender, agent.SourcePaid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp.Payer = payer
	resp.Paid = paid
	if paid {
		w.Header().Set(PaymentResponseHeader, encodeSettlement(payer, s.payment.Network))
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeInterpret(w http.ResponseWriter, r *http.Request) (InterpretRequest, error) {
	var req InterpretRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		return req, xerrors.Wrap(xerrors.CodeInvalidPayload, err, "请求体解析失败")
	}
	if req.Lots == nil && !req.wantsSticks() {
		return req, xerrors.New(xerrors.CodeInvalidPayload, "请求需要 lots 或 stickNumbers")
	}
	return req, nil
}

func (s *Server) interpret(ctx context.Context, req InterpretRequest, sender, source string) (*InterpretResponse, error) {
	resp := &InterpretResponse{Timestamp: s.now().UTC().Format(time.RFC3339)}

	if req.wantsSticks() {
		sticks := req.StickNumbers
		if len(sticks) == 0 && req.Reference != "" {
			sticks = fortune.DeriveSticks(req.Reference)
		}
		reading, err := s.sticks.Read(ctx, fortune.StickRequest{
			StickNumbers: sticks,
			Category:     req.Category,
			Language:     req.Language,
			WishText:     req.WishText,
		})
		if err != nil {
			return nil, err
		}
		if s.observer != nil {
			s.observer.ObserveStickReading(string(req.Category), reading.Degraded)
		}
		resp.StickReading = &reading
	}

	if req.Lots != nil {
		if s.agent == nil {
			return nil, xerrors.New(xerrors.CodeInterpreterUnavailable, "智能体未初始化")
		}
		resp.Interpretation = s.agent.Cast(ctx, req.Lots, sender, "", source).Text
	}
	return resp, nil
}

func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	if s.agent == nil {
		s.writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "智能体未初始化"))
		return
	}
	query := r.URL.Query()
	limit := storage.DefaultListLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		limit = parsed
	}
	sender := strings.TrimSpace(query.Get("sender"))
	if sender != "" && !web3.IsAddress(sender) {
		s.writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "sender 不是合法地址"))
		return
	}

	records, err := s.agent.History(r.Context(), sender, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []storage.ReadingRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: message, Code: string(xerrors.CodeOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withCORS 允许浏览器前端跨域调用并读取支付回执。
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", strings.Join([]string{
			"Content-Type", PaymentHeader, MailboxTimestampHeader, MailboxSignatureHeader,
		}, ", "))
		h.Set("Access-Control-Expose-Headers", PaymentResponseHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
