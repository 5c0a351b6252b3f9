package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "Fortune-Oracle/internal/errors"
)

const (
	// DefaultBaseURL 是 Coinbase Commerce 的接口地址。
	DefaultBaseURL = "https://api.commerce.coinbase.com"
	// DefaultVersion 是请求头 X-CC-Version 的取值。
	DefaultVersion = "2018-03-22"
	// DefaultAmount 与 DefaultCurrency 是一次解签的定价。
	DefaultAmount   = "0.10"
	DefaultCurrency = "USD"
	// DefaultName 是收银台展示的商品名。
	DefaultName = "AI Fortune Oracle"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20
)

// 视为已付款的时间线状态。
const (
	StatusCompleted = "COMPLETED"
	StatusResolved  = "RESOLVED"
)

// Config 描述 Commerce 客户端。
type Config struct {
	APIKey   string
	BaseURL  string
	Version  string
	Amount   string
	Currency string
	Name     string
	Timeout  time.Duration
}

// ChargeRequest 是创建订单时附带的解签参数。
type ChargeRequest struct {
	Category string
	Language string
}

// TimelineEntry 是订单状态变化记录。
type TimelineEntry struct {
	Status string `json:"status"`
	Time   string `json:"time,omitempty"`
}

// Charge 是 Coinbase Commerce 订单。
type Charge struct {
	ID        string            `json:"id"`
	Code      string            `json:"code"`
	HostedURL string            `json:"hosted_url"`
	ExpiresAt string            `json:"expires_at"`
	Timeline  []TimelineEntry   `json:"timeline"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Paid 判断订单时间线中是否出现过完成状态。
func (c *Charge) Paid() bool {
	if c == nil {
		return false
	}
	for _, entry := range c.Timeline {
		switch strings.ToUpper(entry.Status) {
		case StatusCompleted, StatusResolved:
			return true
		}
	}
	return false
}

// LastStatus 返回最新的订单状态，没有记录时返回 UNKNOWN。
func (c *Charge) LastStatus() string {
	if c == nil || len(c.Timeline) == 0 {
		return "UNKNOWN"
	}
	return c.Timeline[len(c.Timeline)-1].Status
}

// Reference 返回推导签号使用的订单标识，优先使用短码。
func (c *Charge) Reference() string {
	if c.Code != "" {
		return c.Code
	}
	return c.ID
}

// Service 是 API 层依赖的订单操作。
type Service interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	GetCharge(ctx context.Context, id string) (*Charge, error)
}

// Client 通过 HTTP 调用 Coinbase Commerce。
type Client struct {
	cfg  Config
	http *http.Client
}

var _ Service = (*Client)(nil)

// Option 定义客户端的可选配置。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// NewClient 创建 Commerce 客户端，未配置 API Key 时返回初始化错误。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Commerce API key not configured")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Amount == "" {
		cfg.Amount = DefaultAmount
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

type money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type createChargeBody struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PricingType string            `json:"pricing_type"`
	LocalPrice  money             `json:"local_price"`
	Metadata    map[string]string `json:"metadata"`
}

type chargeEnvelope struct {
	Data Charge `json:"data"`
}

// CreateCharge 创建一笔固定价格的订单。
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	category := req.Category
	if category == "" {
		category = "career"
	}
	language := req.Language
	if language == "" {
		language = "zh-CN"
	}
	label := req.Category
	if label == "" {
		label = "fortune"
	}
	body, err := json.Marshal(createChargeBody{
		Name:        c.cfg.Name,
		Description: fmt.Sprintf("AI 新春福签: %s (%s)", label, language),
		PricingType: "fixed_price",
		LocalPrice:  money{Amount: c.cfg.Amount, Currency: c.cfg.Currency},
		Metadata:    map[string]string{"category": category, "language": language},
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidPayload, err, "编码订单请求失败")
	}

	status, data, err := c.do(ctx, http.MethodPost, "/charges", body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "Failed to create charge",
			xerrors.WithMetadata("status", fmt.Sprint(status)),
			xerrors.WithMetadata("details", snippet(data)))
	}
	return decodeCharge(data)
}

// GetCharge 查询订单。订单不存在或被拒绝访问时返回参数错误。
func (c *Client) GetCharge(ctx context.Context, id string) (*Charge, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "charge_id is required")
	}
	status, data, err := c.do(ctx, http.MethodGet, "/charges/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status >= 200 && status < 300:
		return decodeCharge(data)
	case status >= 500:
		return nil, xerrors.New(xerrors.CodeTransportFailure, "Commerce API unavailable",
			xerrors.WithMetadata("status", fmt.Sprint(status)))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Invalid charge_id",
			xerrors.WithMetadata("charge_id", id))
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造 Commerce 请求失败")
	}
	req.Header.Set("X-CC-Api-Key", c.cfg.APIKey)
	req.Header.Set("X-CC-Version", c.cfg.Version)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, xerrors.Wrap(xerrors.CodeTimeout, err, "Commerce 请求超时")
		}
		return 0, nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "Commerce 请求失败")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "读取 Commerce 响应失败")
	}
	return resp.StatusCode, data, nil
}

func decodeCharge(data []byte) (*Charge, error) {
	var env chargeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "解析 Commerce 响应失败")
	}
	if env.Data.ID == "" {
		return nil, xerrors.New(xerrors.CodeTransportFailure, "Commerce 响应缺少订单编号")
	}
	return &env.Data, nil
}

func snippet(data []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
