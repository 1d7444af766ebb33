package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"manthrabin-go/internal/model"
	"manthrabin-go/pkg/llm"
)

const titleSystemPrompt = "You are a helpful assistant whose job is to generate a short, memorable chat name " +
	"based on the provided conversation history. Follow these rules:\n" +
	"  • Only use the messages in chat_history; do not add any new context.\n" +
	"  • If you cannot derive an appropriate name from the conversation, reply with “I don’t know.”\n" +
	"  • Keep the chat name to a maximum of four words, each capitalized like a title " +
	"(e.g., “Geo Search Explorer”)."

// ErrEmptyTitle 表示模型没有给出可用的标题。
var ErrEmptyTitle = errors.New("generated title is empty")

// Titler 根据一轮问答生成对话标题。
type Titler interface {
	Generate(ctx context.Context, history []model.ChatMessage) (string, error)
}

type titleService struct {
	llmClient llm.Client
	model     string
}

// NewTitleService 创建一个新的 Titler 实例，titleModel 为空时使用客户端默认模型。
func NewTitleService(llmClient llm.Client, titleModel string) Titler {
	return &titleService{llmClient: llmClient, model: titleModel}
}

func (s *titleService) Generate(ctx context.Context, history []model.ChatMessage) (string, error) {
	msgs := make([]llm.Message, 0, len(history)+2)
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs,
		llm.Message{Role: model.RoleSystem, Content: titleSystemPrompt},
		llm.Message{Role: model.RoleUser, Content: "Based on the above, generate a concise chat name:"},
	)

	temperature := 0.0
	maxTokens := 50
	out, err := s.llmClient.Complete(ctx, msgs, &llm.GenerationParams{
		Model:       s.model,
		Temperature: &temperature,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("生成对话标题失败: %w", err)
	}

	title := cleanTitle(out)
	if title == "" {
		return "", ErrEmptyTitle
	}
	return title, nil
}

// cleanTitle 去掉首尾空白和模型习惯性加上的引号。
func cleanTitle(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "\"'“”‘’`"))
}
