package llm

import "context"

// Request 描述一次大模型补全调用。
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response 是大模型返回的原始文本。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
