package model

import "time"

// EsChunk 是知识库索引中一条向量化的文档片段。
type EsChunk struct {
	PublicID string    `json:"public_id"`
	Title    string    `json:"title"`
	Text     string    `json:"text"`
	Vector   []float32 `json:"vector"`
}

// ExchangeCreated 是问答写入成功后发布到 Kafka 的事件，也是对话索引中的文档结构。
type ExchangeCreated struct {
	PublicID       string    `json:"public_id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	UserPrompt     string    `json:"user_prompt"`
	Response       string    `json:"response"`
	Time           time.Time `json:"time"`
}
