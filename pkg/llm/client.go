// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"manthrabin-go/internal/config"

	openai "github.com/sashabaranov/go-openai"
)

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为，nil 字段使用配置中的默认值。
type GenerationParams struct {
	Model       string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// ChatStream is a pull-based stream of text deltas. Recv returns io.EOF once
// the completion is exhausted.
type ChatStream interface {
	Recv() (string, error)
	Close() error
}

// Client defines the interface for an LLM client.
type Client interface {
	// StreamChat 以 role-based 消息调用聊天接口，返回逐段读取的流。
	StreamChat(ctx context.Context, messages []Message, gen *GenerationParams) (ChatStream, error)
	// Complete 非流式调用，返回完整回答。
	Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *openai.Client
}

// NewClient creates a new OpenAI-compatible LLM client.
func NewClient(cfg config.LLMConfig) Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAIClient{
		cfg:    cfg,
		client: openai.NewClientWithConfig(clientCfg),
	}
}

func (c *openAIClient) buildRequest(messages []Message, gen *GenerationParams, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:  c.cfg.Model,
		Stream: stream,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	// 从全局配置注入（若非零值），传参优先生效
	if c.cfg.Generation.Temperature != 0 {
		req.Temperature = float32(c.cfg.Generation.Temperature)
	}
	if c.cfg.Generation.TopP != 0 {
		req.TopP = float32(c.cfg.Generation.TopP)
	}
	if c.cfg.Generation.MaxTokens != 0 {
		req.MaxTokens = c.cfg.Generation.MaxTokens
	}
	if gen == nil {
		return req
	}
	if gen.Model != "" {
		req.Model = gen.Model
	}
	if gen.Temperature != nil {
		req.Temperature = float32(*gen.Temperature)
		if req.Temperature == 0 {
			// omitempty 会吞掉 0，用最小非零值表达确定性输出
			req.Temperature = math.SmallestNonzeroFloat32
		}
	}
	if gen.TopP != nil {
		req.TopP = float32(*gen.TopP)
	}
	if gen.MaxTokens != nil {
		req.MaxTokens = *gen.MaxTokens
	}
	return req
}

func (c *openAIClient) StreamChat(ctx context.Context, messages []Message, gen *GenerationParams) (ChatStream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(messages, gen, true))
	if err != nil {
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func (c *openAIClient) Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(messages, gen, false))
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat api returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

// Recv 跳过没有内容的分块（例如只带 role 的首个分块）。
func (s *openAIStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("failed to read from stream: %w", err)
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return resp.Choices[0].Delta.Content, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
