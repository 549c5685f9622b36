// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"persona-research-go/internal/config"
	"persona-research-go/internal/handler"
	"persona-research-go/internal/pipeline"
	"persona-research-go/internal/repository"
	"persona-research-go/internal/service"
	"persona-research-go/internal/tracker"
	"persona-research-go/pkg/database"
	"persona-research-go/pkg/es"
	"persona-research-go/pkg/kafka"
	"persona-research-go/pkg/llm"
	"persona-research-go/pkg/log"
	"persona-research-go/pkg/storage"
	"persona-research-go/pkg/token"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./configs/config.yaml"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "persona-research",
		Short:        "AI persona research pipeline",
		Long:         "Generates interview questions and personas, interviews each persona with a language model and synthesizes the findings.",
		RunE:         runServe,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "path to the YAML config file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and research workers",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE:  runMigrate,
	})
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup 加载配置并初始化日志。默认路径的配置文件不存在时只使用默认值和环境变量。
func setup(cmd *cobra.Command) (config.Config, error) {
	path := configPath
	if _, err := os.Stat(path); err != nil && !cmd.Flags().Changed("config") {
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	config.Conf = cfg

	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	if path == "" {
		log.Info("未找到配置文件，使用默认配置与环境变量")
	}
	return cfg, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	if err := database.AutoMigrate(db); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	log.Infof("数据库迁移完成, driver: %s", cfg.Database.Driver)
	return nil
}

func newTokenCommand() *cobra.Command {
	var owner string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an identity token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(cmd)
			if err != nil {
				return err
			}
			if cfg.JWT.Secret == "" {
				return errors.New("jwt.secret is not configured")
			}
			tok, err := token.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer).GenerateToken(owner, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. 初始化配置与日志
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化数据库，Redis 只在 redis 进度存储或 Kafka 调度时需要
	database.Init(cfg.Database.Driver, cfg.Database.DSN)
	if err := database.AutoMigrate(database.DB); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	if cfg.Workflow.ProgressStore == "redis" || cfg.Workflow.Dispatcher == "kafka" {
		database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	}

	// 3. 初始化 Repository 与进度追踪
	researchRepo := repository.NewResearchRepository(database.DB)
	var progressStore repository.ProgressStore
	switch cfg.Workflow.ProgressStore {
	case "redis":
		progressStore = repository.NewRedisProgressStore(database.RDB)
	default:
		progressStore = repository.NewMemoryProgressStore()
	}
	workflowTracker := tracker.New(progressStore, cfg.Workflow.ProgressRetention)
	log.Infof("进度存储: %s, 保留时长: %s", cfg.Workflow.ProgressStore, cfg.Workflow.ProgressRetention)

	// 4. 可选的归档与检索
	var (
		archiver       pipeline.Archiver
		sessionArchive service.SessionArchive
		indexer        pipeline.Indexer
		sessionIndex   service.SessionIndex
	)
	if cfg.MinIO.Enabled {
		archive, err := storage.NewArchive(ctx, cfg.MinIO)
		if err != nil {
			return fmt.Errorf("MinIO 初始化失败: %w", err)
		}
		archiver, sessionArchive = archive, archive
	}
	if cfg.Elasticsearch.Enabled {
		index, err := es.NewSessionIndex(cfg.Elasticsearch)
		if err != nil {
			return fmt.Errorf("es 初始化失败: %w", err)
		}
		indexer, sessionIndex = index, index
	}

	// 5. 初始化研究流水线 (Processor)
	llmClient := llm.NewClient(cfg.LLM)
	processor := pipeline.NewProcessor(researchRepo, workflowTracker, llmClient, cfg.Workflow, archiver, indexer)

	// 6. 启动调度器。workCtx 在停机时取消，正在执行的运行会以 cancelled 结束
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	var (
		dispatcher service.Dispatcher
		local      *service.LocalDispatcher
		producer   *kafka.Producer
	)
	switch cfg.Workflow.Dispatcher {
	case "kafka":
		producer = kafka.NewProducer(cfg.Kafka)
		consumer := kafka.NewConsumer(cfg.Kafka, database.RDB, processor)
		go consumer.Run(workCtx)
		dispatcher = service.NewKafkaDispatcher(producer)
	default:
		local = service.NewLocalDispatcher(processor, cfg.Workflow.Workers, cfg.Workflow.QueueSize)
		local.Start(workCtx)
		dispatcher = local
	}
	log.Infof("任务调度方式: %s", cfg.Workflow.Dispatcher)

	// 7. 启动过期运行回收
	reaper := service.NewReaper(researchRepo, workflowTracker, cfg.Workflow.ReaperInterval, cfg.Workflow.RunTimeout, processor.IsRunning)
	go reaper.Run(workCtx)

	// 8. 初始化 Service 与路由
	var verifier *token.Verifier
	if cfg.JWT.Secret != "" {
		verifier = token.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer)
	} else {
		log.Warnf("未配置 jwt.secret，所有请求按访客处理")
	}
	researchService := service.NewResearchService(researchRepo, workflowTracker, dispatcher, processor, sessionArchive, sessionIndex, cfg.Research)
	system := handler.NewSystemHandler(cfg.Research, cfg.Workflow, sessionIndex != nil, verifier != nil, func(ctx context.Context) error {
		sqlDB, err := database.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	})

	gin.SetMode(cfg.Server.Mode)
	r := handler.NewRouter(researchService, system, verifier)

	// 9. 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("接收到停机信号，正在关闭服务...")
	case err := <-serveErr:
		log.Errorf("HTTP 服务监听失败: %v", err)
		cancelWork()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}

	// 先停止接收新任务，再取消正在执行的运行
	cancelWork()
	if local != nil {
		local.Stop()
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warnf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
	return nil
}
