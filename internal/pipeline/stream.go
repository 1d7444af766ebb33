// Package pipeline 定义了检索增强生成的核心流程，以及会话对其输出的顺序约束。
package pipeline

import (
	"context"
	"io"

	"manthrabin-go/internal/model"
)

// streamBuffer 是生产者与会话之间的通道容量
const streamBuffer = 16

// Request 是一次生成的输入。
type Request struct {
	Query       string
	History     []model.ChatMessage
	Preferences []string
	Model       string
}

// Pipeline produces the frames for one answer. It never emits EndFrame; the
// session appends it after the stream is exhausted.
type Pipeline interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream 是一次生成的拉取式迭代器。
// Recv 在正常结束时返回 io.EOF；Close 取消生成并等待后台 goroutine 退出，可以重复调用。
type Stream interface {
	Recv() (model.StreamFrame, error)
	Close() error
}

// producer 把帧写入 emit；emit 返回 false 表示下游已关闭，应当尽快返回。
type producer func(ctx context.Context, emit func(model.StreamFrame) bool) error

type channelStream struct {
	frames chan model.StreamFrame
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// newChannelStream 在独立 goroutine 中运行 produce，并通过有界通道交付结果。
func newChannelStream(parent context.Context, produce producer) *channelStream {
	ctx, cancel := context.WithCancel(parent)
	s := &channelStream{
		frames: make(chan model.StreamFrame, streamBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.frames)
		emit := func(f model.StreamFrame) bool {
			select {
			case s.frames <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}
		// err 在 close(frames) 之前写入，Recv 读到通道关闭后即可安全读取
		s.err = produce(ctx, emit)
	}()
	return s
}

func (s *channelStream) Recv() (model.StreamFrame, error) {
	f, ok := <-s.frames
	if ok {
		return f, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *channelStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// FromFrames 返回一个按给定顺序吐出帧的 Stream，测试和降级场景使用。
func FromFrames(ctx context.Context, frames []model.StreamFrame, err error) Stream {
	return newChannelStream(ctx, func(ctx context.Context, emit func(model.StreamFrame) bool) error {
		for _, f := range frames {
			if !emit(f) {
				return ctx.Err()
			}
		}
		return err
	})
}
