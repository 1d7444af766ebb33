package service

import (
	"encoding/json"

	"manthrabin-go/internal/model"
)

// 关闭码
const (
	CloseAnonymous            = 4001
	CloseConversationNotFound = 4003
)

// UsageLimitNotice 是被限流时回给客户端的纯文本提示。
const UsageLimitNotice = "Your Usage Limitation has been reached"

type batchHeader struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

// encodeFrame 把一个 StreamFrame 展开成若干条文本消息。
// chunk 原样下发；批次先发一条带 type 的头，再逐条发送条目。
func encodeFrame(f model.StreamFrame, conversationID string) ([][]byte, error) {
	switch v := f.(type) {
	case model.ChunkFrame:
		return [][]byte{[]byte(v.Text)}, nil
	case model.SourceBatchFrame:
		out, err := encodeHeader("source", conversationID)
		if err != nil {
			return nil, err
		}
		for _, s := range v.Items {
			b, err := json.Marshal(s)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	case model.LinkBatchFrame:
		out, err := encodeHeader("link", conversationID)
		if err != nil {
			return nil, err
		}
		for _, l := range v.Items {
			b, err := json.Marshal(l)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}
		return out, nil
	case model.EndFrame:
		return encodeHeader("stream_end", v.ConversationID)
	default:
		return nil, nil
	}
}

func encodeHeader(typ, conversationID string) ([][]byte, error) {
	b, err := json.Marshal(batchHeader{Type: typ, ConversationID: conversationID})
	if err != nil {
		return nil, err
	}
	return [][]byte{b}, nil
}
