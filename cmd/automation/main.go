package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"trades-automation/internal/app"
	"trades-automation/internal/config"
	"trades-automation/internal/log"
	"trades-automation/internal/store"
)

func main() {
	var (
		configPath string
		goal       string
		owner      string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&goal, "propose", "", "用自然语言描述目标，生成一条未启用的规则草稿后退出")
	flag.StringVar(&owner, "owner", "", "规则草稿的所有者，配合 -propose 使用")
	flag.Parse()

	// .env 仅用于本地开发，不存在时忽略。
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	db, err := store.Open(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if goal != "" {
		if err := propose(ctx, cfg, db, goal, owner, logger); err != nil {
			logger.Error("生成规则草稿失败", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	automationApp, err := app.New(ctx, cfg, logger, db)
	if err != nil {
		logger.Error("初始化系统失败", zap.Error(err))
		os.Exit(1)
	}

	if err := automationApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}

func propose(ctx context.Context, cfg *config.Config, db *store.DB, goal, owner string, logger *zap.Logger) error {
	repo, err := store.NewRepository(ctx, db, logger)
	if err != nil {
		return err
	}
	rule, err := app.Propose(ctx, cfg.OpenAI, repo, goal, owner, logger)
	if err != nil {
		return err
	}
	fmt.Printf("已保存规则草稿 %s (%s)，确认无误后启用\n", rule.ID, rule.Kind())
	return nil
}
