package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"Fortune-Oracle/internal/llm"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL   = "https://api.deepseek.com"
	defaultModelName = "deepseek-chat"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Client 通过 openai-go SDK 调用 OpenAI 兼容的大模型服务。
type Client struct {
	sdk   openai.Client
	model string
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供大模型 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	sdk := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(retries),
	)
	return &Client{sdk: sdk, model: model}, nil
}

// Model 返回当前使用的模型名称。
func (c *Client) Model() string {
	return c.model
}

// Generate 发送 system + user 两条消息并返回第一条候选回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("请求大模型失败: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("大模型响应中没有有效的 choices")
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("大模型响应内容为空")
	}
	return &llm.Response{Text: content, Model: completion.Model}, nil
}
