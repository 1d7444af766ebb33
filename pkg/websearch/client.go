// Package websearch 通过 reader 代理抓取用户问题中出现的网页链接。
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"manthrabin-go/internal/config"
	"manthrabin-go/internal/model"
	"manthrabin-go/pkg/log"

	"golang.org/x/sync/errgroup"
)

var urlPattern = regexp.MustCompile(`https?://[^\s)>\]'"]+`)

// maxBodyBytes 限制单个页面读取的大小
const maxBodyBytes = 1 << 20

// Fetcher 抓取文本中的链接内容。
type Fetcher interface {
	FetchLinks(ctx context.Context, text string) []model.Link
}

// Client 是基于 reader 代理（例如 r.jina.ai）的 Fetcher 实现。
type Client struct {
	readerURL string
	apiKey    string
	http      *http.Client
}

// NewClient 创建一个新的抓取客户端。
func NewClient(cfg config.WebSearchConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		readerURL: strings.TrimRight(cfg.ReaderURL, "/"),
		apiKey:    cfg.APIKey,
		http:      &http.Client{Timeout: timeout},
	}
}

// ExtractURLs 按出现顺序返回文本中的 http(s) 链接。
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// FetchLinks 并发抓取所有链接，返回结果与链接出现顺序一致。
// 单个链接失败只会体现在对应的 Link.Error 上。
func (c *Client) FetchLinks(ctx context.Context, text string) []model.Link {
	urls := ExtractURLs(text)
	if len(urls) == 0 {
		return nil
	}

	links := make([]model.Link, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		g.Go(func() error {
			links[i] = c.fetch(gctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return links
}

type readerError struct {
	Message         string `json:"message"`
	ReadableMessage string `json:"readableMessage"`
}

func (c *Client) fetch(ctx context.Context, url string) model.Link {
	link := model.Link{Link: url}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.readerURL+"/"+url, nil)
	if err != nil {
		link.Error = err.Error()
		return link
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warnw("[WebSearch] 抓取链接失败", "link", url, "error", err)
		link.Error = err.Error()
		return link
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		link.Error = fmt.Sprintf("read body: %v", err)
		return link
	}

	// reader 以 JSON 返回错误，正文则是纯文本
	var rerr readerError
	if json.Unmarshal(body, &rerr) == nil && rerr.Message != "" {
		link.Error = rerr.ReadableMessage
		if link.Error == "" {
			link.Error = "Unknown error"
		}
		return link
	}
	// 代理的错误页不能当作正文进入提示词
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warnw("[WebSearch] 抓取链接返回非 2xx", "link", url, "status", resp.StatusCode)
		link.Error = fmt.Sprintf("reader returned %s", resp.Status)
		return link
	}

	link.Content = strings.TrimSpace(string(body))
	return link
}
