// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"manthrabin-go/internal/config"
	"manthrabin-go/internal/model"
	"manthrabin-go/internal/pipeline"
	"manthrabin-go/internal/repository"
	"manthrabin-go/pkg/log"
	"manthrabin-go/pkg/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrAnonymous 表示连接没有解析出登录用户。
	ErrAnonymous = errors.New("anonymous identity")
	// ErrConversationNotFound 表示对话不存在或不属于当前用户。
	ErrConversationNotFound = errors.New("conversation not found")
)

// inboxSize 是单连接排队等待处理的消息上限
const inboxSize = 16

// Conn 是会话所需的最小连接能力，*websocket.Conn 满足该接口。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// ExchangePublisher 在问答落库后发布事件。
type ExchangePublisher interface {
	PublishExchange(ctx context.Context, ev model.ExchangeCreated) error
}

// SessionState 是单个连接的状态。
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateValidatingConversation
	StateReady
	StateStreaming
	StatePersisting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateValidatingConversation:
		return "VALIDATING_CONVERSATION"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StatePersisting:
		return "PERSISTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ChatService 定义了聊天会话的接口。
type ChatService interface {
	// Serve 驱动一个已升级的连接直到关闭。user 为 nil 表示匿名。
	Serve(ctx context.Context, conn Conn, user *model.User, conversationID string)
}

// ChatServiceDeps 汇总会话依赖；Publisher 和 Metrics 可以为空。
type ChatServiceDeps struct {
	Conversations repository.ConversationRepository
	Exchanges     repository.ExchangeRepository
	Users         repository.UserRepository
	Limiter       RateLimiter
	Pipeline      pipeline.Pipeline
	Titler        Titler
	Publisher     ExchangePublisher
	Metrics       *metrics.ChatMetrics
	Config        config.ChatConfig
}

type chatService struct {
	deps           ChatServiceDeps
	historyWindow  int
	persistTimeout time.Duration
	titleTimeout   time.Duration
}

// NewChatService 创建一个新的 ChatService 实例。
func NewChatService(deps ChatServiceDeps) ChatService {
	s := &chatService{
		deps:           deps,
		historyWindow:  deps.Config.HistoryWindow,
		persistTimeout: time.Duration(deps.Config.PersistTimeoutSeconds) * time.Second,
		titleTimeout:   time.Duration(deps.Config.TitleTimeoutSeconds) * time.Second,
	}
	if s.historyWindow <= 0 {
		s.historyWindow = 10
	}
	if s.persistTimeout <= 0 {
		s.persistTimeout = 10 * time.Second
	}
	if s.titleTimeout <= 0 {
		s.titleTimeout = 15 * time.Second
	}
	return s
}

type session struct {
	svc  *chatService
	conn Conn
	user *model.User

	conversationID string
	conversation   *model.Conversation
	history        []model.Exchange
	preferences    []string
	firstExchange  bool
	state          SessionState
}

func (s *chatService) Serve(ctx context.Context, conn Conn, user *model.User, conversationID string) {
	sess := &session{svc: s, conn: conn, user: user, conversationID: conversationID, state: StateConnecting}
	sess.run(ctx)
}

func (ss *session) transition(to SessionState) {
	ss.state = to
	userID := ""
	if ss.user != nil {
		userID = ss.user.PublicID
	}
	log.Infow("[ChatSession] 状态变更", "user", userID, "conversation", ss.conversationID, "state", to.String())
}

func (ss *session) run(ctx context.Context) {
	ss.transition(StateAuthenticating)
	if ss.user == nil {
		ss.reject(CloseAnonymous, ErrAnonymous)
		return
	}

	ss.transition(StateValidatingConversation)
	if err := ss.load(ctx); err != nil {
		if errors.Is(err, ErrConversationNotFound) {
			ss.reject(CloseConversationNotFound, err)
		} else {
			log.Errorw("[ChatSession] 加载会话失败", "conversation", ss.conversationID, "error", err)
			ss.reject(websocket.CloseInternalServerErr, err)
		}
		return
	}

	ss.svc.deps.Metrics.SessionOpened()
	ss.transition(StateReady)

	ctx, cancel := context.WithCancel(ctx)
	inbox := make(chan string, inboxSize)
	readerDone := make(chan struct{})
	readerCode := websocket.CloseAbnormalClosure
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			_, data, err := ss.conn.ReadMessage()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					readerCode = ce.Code
				}
				return
			}
			select {
			case inbox <- string(data):
			case <-ctx.Done():
				return
			}
		}
	}()

	// 同一连接上的消息逐条处理，处理期间到达的消息在 inbox 中排队
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case text := <-inbox:
			ss.handle(ctx, text)
		}
	}

	// 读协程仍在运行说明是服务端主动结束（例如停机），需要通知客户端
	serverClosed := false
	select {
	case <-readerDone:
	default:
		_ = ss.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
		serverClosed = true
	}
	cancel()
	_ = ss.conn.Close()
	<-readerDone

	code := readerCode
	if serverClosed {
		code = websocket.CloseGoingAway
	}
	ss.transition(StateClosed)
	ss.svc.deps.Metrics.SessionClosed(code)
}

// load 校验对话归属，读取完整历史和用户偏好。
func (ss *session) load(ctx context.Context) error {
	deps := ss.svc.deps
	conv, err := deps.Conversations.FindOwned(ctx, ss.conversationID, ss.user.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrConversationNotFound
		}
		return err
	}
	history, err := deps.Exchanges.ListAscending(ctx, conv.ID)
	if err != nil {
		return err
	}
	prefs, err := deps.Users.ListInterestTitles(ctx, ss.user.ID)
	if err != nil {
		// 偏好只影响提示词，读取失败不拒绝连接
		log.Warnw("[ChatSession] 读取用户偏好失败", "user", ss.user.PublicID, "error", err)
	}

	ss.conversation = conv
	ss.history = history
	ss.preferences = prefs
	ss.firstExchange = len(history) == 0
	return nil
}

func (ss *session) reject(code int, reason error) {
	log.Infow("[ChatSession] 拒绝连接", "conversation", ss.conversationID, "code", code, "reason", reason.Error())
	_ = ss.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	_ = ss.conn.Close()
	ss.transition(StateClosed)
	ss.svc.deps.Metrics.Rejected(code)
}

// handle 处理一条入站消息；返回时会话回到 READY。
func (ss *session) handle(ctx context.Context, text string) {
	if ctx.Err() != nil || strings.TrimSpace(text) == "" {
		return
	}
	deps := ss.svc.deps
	if !deps.Limiter.Allow(ctx, ss.user.PublicID) {
		if err := ss.conn.WriteMessage(websocket.TextMessage, []byte(UsageLimitNotice)); err != nil {
			log.Warnw("[ChatSession] 发送限流提示失败", "error", err)
		}
		return
	}

	ss.transition(StateStreaming)
	started := time.Now()
	response, err := ss.stream(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			// 客户端已断开，放弃本轮
			deps.Metrics.StreamFinished("cancelled", time.Since(started))
			return
		}
		log.Errorw("[ChatSession] 生成中断，本轮不保存", "conversation", ss.conversationID, "error", err)
		deps.Metrics.StreamFinished("error", time.Since(started))
		ss.transition(StateReady)
		return
	}
	deps.Metrics.StreamFinished("ok", time.Since(started))

	ss.transition(StatePersisting)
	ss.persist(ctx, text, response)
	ss.transition(StateReady)
}

// stream 调用流水线并按固定顺序转发帧，返回拼接后的完整回答。
// 流水线出错时仍会补齐批次并发送 stream_end。
func (ss *session) stream(ctx context.Context, text string) (string, error) {
	deps := ss.svc.deps
	var (
		seq       pipeline.Sequencer
		response  strings.Builder
		streamErr error
	)

	st, err := deps.Pipeline.Stream(ctx, pipeline.Request{
		Query:       text,
		History:     model.ToMessages(ss.recentHistory()),
		Preferences: ss.preferences,
		Model:       ss.conversation.Model.Name,
	})
	if err != nil {
		streamErr = err
	} else {
		for {
			f, err := st.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				streamErr = err
				break
			}
			frames, err := seq.Admit(f)
			if err != nil {
				log.Warnw("[ChatSession] 丢弃乱序帧", "kind", f.Kind().String(), "error", err)
				continue
			}
			if err := ss.send(frames, &response); err != nil {
				streamErr = err
				break
			}
		}
		_ = st.Close()
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if err := ss.send(seq.Finish(ss.conversation.PublicID), &response); err != nil && streamErr == nil {
		streamErr = err
	}
	return response.String(), streamErr
}

func (ss *session) send(frames []model.StreamFrame, response *strings.Builder) error {
	for _, f := range frames {
		msgs, err := encodeFrame(f, ss.conversation.PublicID)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := ss.conn.WriteMessage(websocket.TextMessage, m); err != nil {
				return err
			}
		}
		if c, ok := f.(model.ChunkFrame); ok {
			response.WriteString(c.Text)
		}
		ss.svc.deps.Metrics.FrameSent(f.Kind().String())
	}
	return nil
}

// recentHistory 返回最近的 historyWindow 轮问答，按时间升序。
func (ss *session) recentHistory() []model.Exchange {
	n := ss.svc.historyWindow
	if len(ss.history) <= n {
		return ss.history
	}
	return ss.history[len(ss.history)-n:]
}

// persist 写入问答并在首轮时生成标题。写入失败只记录日志，内存历史照常追加。
// 客户端在此期间断开不会中止写入。
func (ss *session) persist(ctx context.Context, prompt, response string) {
	deps := ss.svc.deps
	base := context.WithoutCancel(ctx)

	exchange := model.Exchange{
		PublicID:       uuid.NewString(),
		UserPrompt:     prompt,
		Response:       response,
		ConversationID: ss.conversation.ID,
		Time:           time.Now(),
	}
	pctx, cancel := context.WithTimeout(base, ss.svc.persistTimeout)
	err := deps.Exchanges.Create(pctx, &exchange)
	if err != nil {
		log.Errorw("[ChatSession] 保存问答失败", "conversation", ss.conversationID, "error", err)
		deps.Metrics.PersistFailed()
	} else if deps.Publisher != nil {
		ev := model.ExchangeCreated{
			PublicID:       exchange.PublicID,
			ConversationID: ss.conversation.PublicID,
			UserID:         ss.user.PublicID,
			UserPrompt:     prompt,
			Response:       response,
			Time:           exchange.Time,
		}
		if err := deps.Publisher.PublishExchange(pctx, ev); err != nil {
			log.Warnw("[ChatSession] 发布问答事件失败", "exchange", exchange.PublicID, "error", err)
		}
	}
	cancel()
	ss.history = append(ss.history, exchange)

	if !ss.firstExchange {
		return
	}
	ss.firstExchange = false

	tctx, cancel := context.WithTimeout(base, ss.svc.titleTimeout)
	defer cancel()
	title, err := deps.Titler.Generate(tctx, model.ToMessages([]model.Exchange{exchange}))
	if err != nil {
		log.Warnw("[ChatSession] 生成标题失败", "conversation", ss.conversationID, "error", err)
		deps.Metrics.TitleAttempt("error")
		return
	}
	if err := deps.Conversations.UpdateTitle(tctx, ss.conversation.ID, title); err != nil {
		log.Warnw("[ChatSession] 更新标题失败", "conversation", ss.conversationID, "error", err)
		deps.Metrics.TitleAttempt("error")
		return
	}
	ss.conversation.Title = title
	deps.Metrics.TitleAttempt("ok")
}
