package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"manthrabin-go/internal/config"
	"manthrabin-go/internal/model"
	"manthrabin-go/internal/pipeline"
	"manthrabin-go/internal/repository"
	"manthrabin-go/internal/service"
	"manthrabin-go/pkg/database"
	"manthrabin-go/pkg/metrics"
	"manthrabin-go/pkg/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const waitTimeout = 5 * time.Second

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedPipeline 对每个请求返回同一组帧。
type scriptedPipeline struct{}

func (scriptedPipeline) Stream(ctx context.Context, req pipeline.Request) (pipeline.Stream, error) {
	return pipeline.FromFrames(ctx, []model.StreamFrame{
		model.ChunkFrame{Text: "AI is "},
		model.ChunkFrame{Text: "the study of agents."},
		model.SourceBatchFrame{Items: []model.Source{{PublicID: "s1", Context: "Agents perceive and act."}}},
		model.LinkBatchFrame{Items: []model.Link{{Link: "https://a.example"}}},
	}, nil), nil
}

type staticTitler struct{}

func (staticTitler) Generate(context.Context, []model.ChatMessage) (string, error) {
	return "AI Basics Explained", nil
}

type testEnv struct {
	server *httptest.Server
	convs  repository.ConversationRepository
	owner  *model.User
	other  *model.User
	model  *model.LLMModel
	tokens *token.JWTManager
	reg    *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, database.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	users := repository.NewUserRepository(db)
	convs := repository.NewConversationRepository(db)
	exchanges := repository.NewExchangeRepository(db)

	env := &testEnv{convs: convs, tokens: token.NewJWTManager("handler-secret", 1), reg: prometheus.NewRegistry()}
	env.owner = &model.User{PublicID: uuid.NewString(), Email: "owner@example.com", IsActive: true}
	env.other = &model.User{PublicID: uuid.NewString(), Email: "other@example.com", IsActive: true}
	require.NoError(t, users.Create(ctx, env.owner))
	require.NoError(t, users.Create(ctx, env.other))
	env.model = &model.LLMModel{PublicID: uuid.NewString(), Name: "gpt-4o-mini"}
	require.NoError(t, convs.CreateModel(ctx, env.model))

	chatMetrics := metrics.NewChatMetrics(env.reg)
	userService := service.NewUserService(users, env.tokens)
	chatService := service.NewChatService(service.ChatServiceDeps{
		Conversations: convs,
		Exchanges:     exchanges,
		Users:         users,
		Limiter: service.NewRateLimiter(rdb, config.RateLimitConfig{
			MaxPrompts: 5, WindowSeconds: 60, MaxRetries: 3, RetryBackoffMS: 1,
		}, chatMetrics),
		Pipeline: scriptedPipeline{},
		Titler:   staticTitler{},
		Metrics:  chatMetrics,
	})
	chat := NewChatHandler(chatService)

	router := NewRouter(RouterDeps{
		UserService:   userService,
		Chat:          chat,
		Conversations: NewConversationHandler(service.NewConversationService(convs, exchanges)),
		Users:         NewUserHandler(userService),
		Gatherer:      env.reg,
	})
	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	// 先于服务器关闭执行，保证会话不会在数据库关闭后继续访问
	t.Cleanup(chat.Wait)
	return env
}

func (e *testEnv) token(t *testing.T, user *model.User) string {
	t.Helper()
	tok, err := e.tokens.GenerateToken(user.ID, model.AccountTypeUser)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) newConversation(t *testing.T, owner *model.User) *model.Conversation {
	t.Helper()
	conv := &model.Conversation{PublicID: uuid.NewString(), UserID: owner.ID, ModelID: e.model.ID}
	require.NoError(t, e.convs.Create(context.Background(), conv))
	return conv
}

func (e *testEnv) dial(t *testing.T, conversationID string, header http.Header, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/chat/" + conversationID
	if query != "" {
		url += "?" + query
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + tok}}
}

// expectClose 读取直到连接关闭，并返回关闭码。
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "unexpected error: %v", err)
		return ce.Code
	}
}

// readExchange 读取一轮回复，直到 stream_end。
func readExchange(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(waitTimeout))
	var out []string
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		out = append(out, string(data))
		if strings.Contains(string(data), `"stream_end"`) {
			return out
		}
	}
}

func TestChatHandler_AnonymousClosesWith4001(t *testing.T) {
	env := newTestEnv(t)
	conv := env.newConversation(t, env.owner)

	for name, header := range map[string]http.Header{
		"no token":      nil,
		"invalid token": bearer("garbage"),
	} {
		t.Run(name, func(t *testing.T) {
			conn := env.dial(t, conv.PublicID, header, "")
			defer conn.Close()
			assert.Equal(t, service.CloseAnonymous, expectClose(t, conn))
		})
	}
}

func TestChatHandler_ForeignConversationClosesWith4003(t *testing.T) {
	env := newTestEnv(t)
	conv := env.newConversation(t, env.owner)

	conn := env.dial(t, conv.PublicID, bearer(env.token(t, env.other)), "")
	defer conn.Close()
	assert.Equal(t, service.CloseConversationNotFound, expectClose(t, conn))

	missing := env.dial(t, uuid.NewString(), bearer(env.token(t, env.owner)), "")
	defer missing.Close()
	assert.Equal(t, service.CloseConversationNotFound, expectClose(t, missing))
}

func TestChatHandler_StreamsExchange(t *testing.T) {
	env := newTestEnv(t)
	conv := env.newConversation(t, env.owner)
	tok := env.token(t, env.owner)

	// 查询参数同样可以携带 token
	conn := env.dial(t, conv.PublicID, nil, "token="+tok)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("What is AI?")))
	got := readExchange(t, conn)
	assert.Equal(t, []string{
		"AI is ",
		"the study of agents.",
		`{"type":"source","conversation_id":"` + conv.PublicID + `"}`,
		`{"public_id":"s1","context":"Agents perceive and act."}`,
		`{"type":"link","conversation_id":"` + conv.PublicID + `"}`,
		`{"link":"https://a.example"}`,
		`{"type":"stream_end","conversation_id":"` + conv.PublicID + `"}`,
	}, got)

	// 落库与标题更新在 stream_end 之后完成
	require.Eventually(t, func() bool {
		var body struct {
			Data service.ExchangePage `json:"data"`
		}
		status := env.getJSON(t, "/api/v1/conversations/"+conv.PublicID+"/prompts", tok, &body)
		return status == http.StatusOK && body.Data.Total == 1
	}, waitTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		var body struct {
			Data []model.Conversation `json:"data"`
		}
		env.getJSON(t, "/api/v1/conversations", tok, &body)
		return len(body.Data) == 1 && body.Data[0].Title == "AI Basics Explained"
	}, waitTimeout, 10*time.Millisecond)
}

func (e *testEnv) getJSON(t *testing.T, path, tok string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.server.URL+path, nil)
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		_ = json.Unmarshal(data, out)
	}
	return resp.StatusCode
}

func TestConversationHandler_REST(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.owner)

	assert.Equal(t, http.StatusUnauthorized, env.getJSON(t, "/api/v1/conversations", "", nil))

	post := func(body string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/v1/conversations", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post(`{"model":"gpt-4o-mini"}`)
	var created struct {
		Code int                `json:"code"`
		Data model.Conversation `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, model.DefaultConversationTitle, created.Data.Title)
	assert.Equal(t, "gpt-4o-mini", created.Data.Model.Name)

	resp = post(`{"model":"unknown"}`)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(`{}`)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// 其他用户看不到该对话
	otherTok := env.token(t, env.other)
	assert.Equal(t, http.StatusNotFound,
		env.getJSON(t, "/api/v1/conversations/"+created.Data.PublicID+"/prompts", otherTok, nil))

	var me struct {
		Data struct {
			PublicID    string   `json:"public_id"`
			Preferences []string `json:"preferences"`
		} `json:"data"`
	}
	assert.Equal(t, http.StatusOK, env.getJSON(t, "/api/v1/users/me", tok, &me))
	assert.Equal(t, env.owner.PublicID, me.Data.PublicID)
	assert.Empty(t, me.Data.Preferences)
}

func TestRouter_MetricsExposed(t *testing.T) {
	env := newTestEnv(t)
	conv := env.newConversation(t, env.owner)

	conn := env.dial(t, conv.PublicID, nil, "")
	defer conn.Close()
	require.Equal(t, service.CloseAnonymous, expectClose(t, conn))

	require.Eventually(t, func() bool {
		resp, err := http.Get(env.server.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return strings.Contains(string(data), `chat_sessions_closed_total{code="4001"} 1`)
	}, waitTimeout, 10*time.Millisecond)
}
