package llm

import "context"

// Request 描述一次大模型调用。
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSON 要求模型只输出 JSON 对象。
	JSON bool
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

// ClientFunc 允许普通函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
