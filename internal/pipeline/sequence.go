package pipeline

import (
	"errors"

	"manthrabin-go/internal/model"
)

// ErrOutOfOrder 表示流水线给出的帧违反了 chunk → source → link 的顺序，该帧被丢弃。
var ErrOutOfOrder = errors.New("pipeline frame out of order")

type stage int

const (
	stageChunks stage = iota
	stageSources
	stageLinks
	stageEnded
)

// Sequencer 保证客户端看到的帧序列始终是
// chunk*, 一个 source_batch, 一个 link_batch, 一个 end，不依赖流水线自身守规矩。
type Sequencer struct {
	stage stage
}

// Admit 返回应当转发的帧。缺失的 source_batch 会被补成空批次；
// 重复、倒序或流水线自带的 end 帧返回 ErrOutOfOrder。
func (s *Sequencer) Admit(f model.StreamFrame) ([]model.StreamFrame, error) {
	switch f.(type) {
	case model.ChunkFrame:
		if s.stage != stageChunks {
			return nil, ErrOutOfOrder
		}
		return []model.StreamFrame{f}, nil
	case model.SourceBatchFrame:
		if s.stage != stageChunks {
			return nil, ErrOutOfOrder
		}
		s.stage = stageSources
		return []model.StreamFrame{f}, nil
	case model.LinkBatchFrame:
		switch s.stage {
		case stageChunks:
			s.stage = stageLinks
			return []model.StreamFrame{model.SourceBatchFrame{}, f}, nil
		case stageSources:
			s.stage = stageLinks
			return []model.StreamFrame{f}, nil
		}
		return nil, ErrOutOfOrder
	default:
		return nil, ErrOutOfOrder
	}
}

// Finish 补齐尚未发送的批次并追加 end 帧。之后的调用返回 nil。
func (s *Sequencer) Finish(conversationID string) []model.StreamFrame {
	var out []model.StreamFrame
	switch s.stage {
	case stageEnded:
		return nil
	case stageChunks:
		out = append(out, model.SourceBatchFrame{}, model.LinkBatchFrame{})
	case stageSources:
		out = append(out, model.LinkBatchFrame{})
	}
	s.stage = stageEnded
	return append(out, model.EndFrame{ConversationID: conversationID})
}
