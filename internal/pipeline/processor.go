package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"manthrabin-go/internal/model"
	"manthrabin-go/pkg/llm"
	"manthrabin-go/pkg/log"
	"manthrabin-go/pkg/websearch"

	"golang.org/x/sync/errgroup"
)

const defaultSystemPrompt = "You are an intelligent assistant. Use the retrieved content and any given user preferences " +
	"to answer the question. If the context does not include the answer, respond with \u201cI don't know.\u201d " +
	"Keep answers brief and informative (max three sentences). " +
	"Account for these user preferences: %s."

// Processor 封装了检索增强生成的所有依赖和逻辑。
type Processor struct {
	retriever    Retriever
	fetcher      websearch.Fetcher
	llmClient    llm.Client
	topK         int
	systemPrompt string
}

// NewProcessor 创建一个新的 Processor 实例。
// systemPrompt 为空时使用内置提示；其中的 %s 会被替换为用户偏好，没有占位符时偏好追加在末尾。
func NewProcessor(retriever Retriever, fetcher websearch.Fetcher, llmClient llm.Client, topK int, systemPrompt string) *Processor {
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	if topK <= 0 {
		topK = 10
	}
	return &Processor{
		retriever:    retriever,
		fetcher:      fetcher,
		llmClient:    llmClient,
		topK:         topK,
		systemPrompt: systemPrompt,
	}
}

// Stream 启动一次生成。检索与网页抓取并发进行，完成后才开始调用模型。
// 输出顺序：若干 ChunkFrame，一个 SourceBatchFrame，一个 LinkBatchFrame。
func (p *Processor) Stream(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("query is empty")
	}
	return newChannelStream(ctx, func(ctx context.Context, emit func(model.StreamFrame) bool) error {
		return p.run(ctx, req, emit)
	}), nil
}

func (p *Processor) run(ctx context.Context, req Request, emit func(model.StreamFrame) bool) error {
	var (
		sources []model.Source
		links   []model.Link
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		found, err := p.retriever.Retrieve(gctx, req.Query, p.topK)
		if err != nil {
			// 检索失败时降级为无来源回答
			log.Warnw("[Processor] 检索失败，按无来源继续", "error", err)
			return nil
		}
		sources = found
		return nil
	})
	g.Go(func() error {
		links = p.fetcher.FetchLinks(gctx, req.Query)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stream, err := p.llmClient.StreamChat(ctx, BuildMessages(p.systemPrompt, req, sources, links), &llm.GenerationParams{Model: req.Model})
	if err != nil {
		return fmt.Errorf("启动生成失败: %w", err)
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("读取生成结果失败: %w", err)
		}
		if !emit(model.ChunkFrame{Text: delta}) {
			return ctx.Err()
		}
	}

	if !emit(model.SourceBatchFrame{Items: sources}) {
		return ctx.Err()
	}
	if !emit(model.LinkBatchFrame{Items: links}) {
		return ctx.Err()
	}
	return nil
}

// BuildMessages 组装发送给模型的消息：历史、系统提示、带上下文的用户问题。
func BuildMessages(systemPrompt string, req Request, sources []model.Source, links []model.Link) []llm.Message {
	msgs := make([]llm.Message, 0, len(req.History)+2)
	for _, m := range req.History {
		role := model.RoleAssistant
		if strings.EqualFold(m.Role, model.RoleUser) {
			role = model.RoleUser
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	prefs := strings.Join(req.Preferences, ", ")
	system := systemPrompt + " Account for these user preferences: " + prefs + "."
	if strings.Contains(systemPrompt, "%s") {
		system = fmt.Sprintf(systemPrompt, prefs)
	}
	msgs = append(msgs, llm.Message{Role: model.RoleSystem, Content: system})

	var b strings.Builder
	b.WriteString("The following instruction includes helpful context. Please complete the request accordingly.\n\n")
	b.WriteString("### Instruction: ")
	b.WriteString(formatSources(sources))
	b.WriteString("\n\n### Web links: ")
	b.WriteString(formatLinks(links))
	b.WriteString("\n\n### Input: ")
	b.WriteString(req.Query)
	b.WriteString("\n\n### Response:")
	msgs = append(msgs, llm.Message{Role: model.RoleUser, Content: b.String()})
	return msgs
}

func formatSources(sources []model.Source) string {
	var b strings.Builder
	b.WriteString("\n\nRelated Chunks:\n")
	for i, s := range sources {
		fmt.Fprintf(&b, "\nSource %d \u2013 %s:\n%s", i+1, s.Title, s.Context)
	}
	return b.String()
}

// formatLinks 只拼接抓取成功的链接
func formatLinks(links []model.Link) string {
	var b strings.Builder
	b.WriteString("\nFetched link data:\n")
	for _, l := range links {
		if l.Error != "" {
			continue
		}
		fmt.Fprintf(&b, "\nSource %s \n\u2013%s", l.Link, l.Content)
	}
	return b.String()
}
