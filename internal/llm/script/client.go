// Package script runs a local executable as the decision oracle. The request
// is written to stdin as JSON and the executable answers on stdout, either
// with {"text": "..."} or with the raw model output.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"Sentinel-Protocol/internal/llm"
)

// Config 描述外部脚本的调用方式。
type Config struct {
	Command    string
	Args       []string
	WorkingDir string
}

// Client 通过调用外部脚本实现大模型推理。
type Client struct {
	command    string
	args       []string
	workingDir string
}

// NewClient 创建脚本客户端。
func NewClient(cfg Config) (*Client, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, errors.New("未指定推理脚本命令")
	}
	return &Client{command: command, args: cfg.Args, workingDir: cfg.WorkingDir}, nil
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(map[string]any{
		"system":      req.System,
		"prompt":      req.Prompt,
		"json":        req.JSON,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.command, c.args...)
	cmd.Dir = c.workingDir
	cmd.Stdin = bytes.NewReader(encoded)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("执行推理脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, errors.New("推理脚本没有输出")
	}
	var wrapped struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(out, &wrapped); err == nil && wrapped.Text != nil {
		return &llm.Response{Text: strings.TrimSpace(*wrapped.Text), Model: filepath.Base(c.command)}, nil
	}
	return &llm.Response{Text: string(out), Model: filepath.Base(c.command)}, nil
}

var _ llm.Client = (*Client)(nil)
