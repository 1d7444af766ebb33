package model

// FrameKind 标识 StreamFrame 的具体分支。
type FrameKind int

const (
	FrameChunk FrameKind = iota
	FrameSourceBatch
	FrameLinkBatch
	FrameEnd
)

func (k FrameKind) String() string {
	switch k {
	case FrameChunk:
		return "chunk"
	case FrameSourceBatch:
		return "source_batch"
	case FrameLinkBatch:
		return "link_batch"
	case FrameEnd:
		return "end"
	default:
		return "unknown"
	}
}

// StreamFrame 是一次生成过程中服务端下发的单元，只有下面四种实现。
// 顺序固定：若干 ChunkFrame，一个 SourceBatchFrame，一个 LinkBatchFrame，一个 EndFrame。
type StreamFrame interface {
	Kind() FrameKind
	isStreamFrame()
}

// ChunkFrame 携带一段回答文本。
type ChunkFrame struct {
	Text string
}

// SourceBatchFrame 携带本次回答引用的检索片段。
type SourceBatchFrame struct {
	Items []Source
}

// LinkBatchFrame 携带从问题中抓取的网页链接。
type LinkBatchFrame struct {
	Items []Link
}

// EndFrame 标记一次流式回答结束。
type EndFrame struct {
	ConversationID string
}

func (ChunkFrame) Kind() FrameKind       { return FrameChunk }
func (SourceBatchFrame) Kind() FrameKind { return FrameSourceBatch }
func (LinkBatchFrame) Kind() FrameKind   { return FrameLinkBatch }
func (EndFrame) Kind() FrameKind         { return FrameEnd }

func (ChunkFrame) isStreamFrame()       {}
func (SourceBatchFrame) isStreamFrame() {}
func (LinkBatchFrame) isStreamFrame()   {}
func (EndFrame) isStreamFrame()         {}

// Source 是一条检索命中的文档片段。
type Source struct {
	PublicID    string  `json:"public_id"`
	Title       string  `json:"-"`
	Context     string  `json:"context"`
	Reliability float64 `json:"-"`
}

// Link 是一条抓取过的网页链接；Error 非空表示抓取失败，此时内容不会进入提示词。
type Link struct {
	Link    string `json:"link"`
	Content string `json:"-"`
	Error   string `json:"-"`
}
