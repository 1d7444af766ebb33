// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"manthrabin-go/internal/config"
	"manthrabin-go/internal/handler"
	"manthrabin-go/internal/model"
	"manthrabin-go/internal/pipeline"
	"manthrabin-go/internal/repository"
	"manthrabin-go/internal/service"
	"manthrabin-go/pkg/database"
	"manthrabin-go/pkg/embedding"
	"manthrabin-go/pkg/es"
	"manthrabin-go/pkg/kafka"
	"manthrabin-go/pkg/llm"
	"manthrabin-go/pkg/log"
	"manthrabin-go/pkg/metrics"
	"manthrabin-go/pkg/token"
	"manthrabin-go/pkg/websearch"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "manthrabin",
		Short: "Streaming chat gateway",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// 1. 初始化配置
			config.Init(configPath)
			cfg := config.Conf

			// 2. 初始化日志记录器
			log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./configs/config.yaml", "path to the YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP and WebSocket server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve()
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create or update database tables",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate()
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// migrate 执行表迁移，并确保默认生成模型存在。
func migrate() error {
	cfg := config.Conf
	database.InitMySQL(cfg.Database.MySQL)
	if err := database.Migrate(database.DB); err != nil {
		return err
	}

	ctx := context.Background()
	convRepo := repository.NewConversationRepository(database.DB)
	if _, err := convRepo.FindModelByName(ctx, cfg.LLM.Model); errors.Is(err, repository.ErrNotFound) {
		if err := convRepo.CreateModel(ctx, &model.LLMModel{PublicID: uuid.NewString(), Name: cfg.LLM.Model}); err != nil {
			return fmt.Errorf("创建默认模型失败: %w", err)
		}
		log.Infof("已创建默认模型 %s", cfg.LLM.Model)
	} else if err != nil {
		return err
	}
	log.Info("数据库迁移完成")
	return nil
}

func serve() error {
	cfg := config.Conf

	// 3. 初始化数据库、Redis 和 Elasticsearch
	database.InitMySQL(cfg.Database.MySQL)
	database.InitRedis(cfg.Database.Redis)
	if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
		return fmt.Errorf("es 初始化失败: %w", err)
	}
	producer := kafka.NewProducer(cfg.Kafka)
	defer func() {
		if err := producer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}()

	// 4. 初始化 Repository
	userRepo := repository.NewUserRepository(database.DB)
	convRepo := repository.NewConversationRepository(database.DB)
	exchangeRepo := repository.NewExchangeRepository(database.DB)

	// 5. 初始化 Service (依赖注入)
	chatMetrics := metrics.NewChatMetrics(prometheus.DefaultRegisterer)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	processor := pipeline.NewProcessor(
		pipeline.NewESRetriever(embeddingClient, es.ESClient, cfg.Elasticsearch.IndexName),
		websearch.NewClient(cfg.WebSearch),
		llmClient,
		cfg.Chat.RetrievalTopK,
		cfg.LLM.Prompt.Rules,
	)
	userService := service.NewUserService(userRepo, jwtManager)
	conversationService := service.NewConversationService(convRepo, exchangeRepo)
	chatService := service.NewChatService(service.ChatServiceDeps{
		Conversations: convRepo,
		Exchanges:     exchangeRepo,
		Users:         userRepo,
		Limiter:       service.NewRateLimiter(database.RDB, cfg.RateLimit, chatMetrics),
		Pipeline:      processor,
		Titler:        service.NewTitleService(llmClient, cfg.LLM.TitleModel),
		Publisher:     producer,
		Metrics:       chatMetrics,
		Config:        cfg.Chat,
	})

	// baseCtx 是所有请求的父上下文，停机时取消以结束长连接
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	// 6. 启动后台 Kafka 消费者，把问答写入对话索引
	consumer := kafka.NewConsumer(cfg.Kafka, es.NewExchangeIndexer(es.ESClient, cfg.Elasticsearch.ExchangeIndex), database.RDB)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(baseCtx); err != nil {
			log.Errorf("Kafka 消费者退出: %v", err)
		}
	}()

	// 7. 设置 Gin 模式并注册路由
	gin.SetMode(cfg.Server.Mode)
	chatHandler := handler.NewChatHandler(chatService)
	router := handler.NewRouter(handler.RouterDeps{
		UserService:   userService,
		Chat:          chatHandler,
		Conversations: handler.NewConversationHandler(conversationService),
		Users:         handler.NewUserHandler(userService),
		Gatherer:      prometheus.DefaultGatherer,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// Shutdown 不会等待已升级的 WebSocket 连接：取消基础上下文，让会话以 1001 关闭
	cancelBase()
	sessionsDone := make(chan struct{})
	go func() {
		chatHandler.Wait()
		<-consumerDone
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-ctx.Done():
		log.Warnf("等待会话结束超时")
	}

	log.Info("服务已优雅关闭")
	return nil
}
