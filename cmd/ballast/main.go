package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"ballast/internal/app"
	"ballast/internal/config"
	"ballast/internal/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	args := os.Args[1:]
	mode := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		mode = args[0]
		args = args[1:]
	}
	if mode != "run" && mode != "daemon" {
		fmt.Fprintf(os.Stderr, "未知子命令 %q\n用法: ballast [run|daemon] [--dry-run] [--config path]\n", mode)
		return 2
	}

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "演练模式：订单进模拟盘，不落状态")
	cfgFlag := fs.String("config", "", "配置文件路径（默认 BALLAST_CONFIG 或 configs/config.yaml）")
	_ = fs.Parse(args)

	cfgPath := strings.TrimSpace(*cfgFlag)
	if cfgPath == "" {
		cfgPath = os.Getenv("BALLAST_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("读取配置失败: %v", err)
		return 1
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		log.Printf("初始化日志文件失败: %v", err)
		return 1
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，sleeves=%d，config=%s）", cfg.App.Env, len(cfg.Sleeves), cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(cfg, app.WithDryRun(*dryRun))
	if err != nil {
		logger.Errorf("初始化应用失败: %v", err)
		return 1
	}
	defer a.Close()

	if mode == "daemon" {
		if err := a.Run(ctx); err != nil {
			logger.Errorf("daemon 退出: %v", err)
			return 1
		}
		return 0
	}

	res, err := a.RunOnce(ctx)
	if err != nil {
		logger.Errorf("调仓运行失败: %v", err)
		return 1
	}
	if res.Partial {
		// 卖出阶段有未确认单：买入已整体跳过，下次运行由持仓同步收敛
		logger.Warnf("调仓部分完成 run_id=%s，等待下次运行收敛", res.RunID)
	}
	logger.Infof("调仓完成 run_id=%s nav=%.2f scalar=%.4f submitted=%d filled=%d skipped=%d",
		res.RunID, res.NAV, res.Scalar, res.Submitted, res.Filled, res.Skipped)
	return 0
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
