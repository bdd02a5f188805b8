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

	"tokenguard/internal/app"
	tgcfg "tokenguard/internal/config"
	"tokenguard/internal/logger"
	"tokenguard/internal/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := "supervise"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	var err error
	switch cmd {
	case "supervise":
		err = runSupervise(ctx, args)
	case "agent":
		err = runAgent(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: tokenguard [supervise|agent] [flags]\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

func runSupervise(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("supervise", flag.ExitOnError)
	cfgFlag := fs.String("config", "", "config file path (default $"+tgcfg.EnvConfigPath+" or "+tgcfg.DefaultPath+")")
	inProcess := fs.Bool("inprocess", false, "run agents as goroutines instead of subprocesses")
	_ = fs.Parse(args)

	cfgPath := tgcfg.ResolvePath(*cfgFlag)
	cfg, closeLogs, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	defer closeLogs()
	logger.Infof("✓ 配置加载成功（环境=%s，币种=%s）", cfg.App.Env, strings.Join(cfg.AssetSymbols(), ","))

	opts := []app.AppBuilderOption{app.WithConfigPath(cfgPath)}
	if *inProcess {
		opts = append(opts, app.WithInProcessAgents())
	}
	a, err := app.NewApp(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("初始化应用失败: %w", err)
	}
	return a.Run(ctx)
}

func runAgent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	cfgFlag := fs.String("config", "", "config file path")
	asset := fs.String("asset", "", "asset symbol, e.g. SOL")
	mode := fs.String("mode", string(types.ModeTrade), "trade or observe")
	_ = fs.Parse(args)
	if strings.TrimSpace(*asset) == "" {
		return fmt.Errorf("agent 需要 -asset 参数")
	}

	cfg, closeLogs, err := loadConfig(tgcfg.ResolvePath(*cfgFlag))
	if err != nil {
		return err
	}
	defer closeLogs()
	return app.RunAgent(ctx, cfg, *asset, types.ParseMode(*mode))
}

func loadConfig(path string) (*tgcfg.Config, func(), error) {
	cfg, err := tgcfg.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("读取配置失败: %w", err)
	}
	var files []*os.File
	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}
	logFile, err := setupLogOutput(cfg.App.LogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志文件失败: %w", err)
	}
	if logFile != nil {
		files = append(files, logFile)
	}
	logger.SetLLMWriter(nil)
	llmFile, err := setupLLMLogOutput(cfg.App.LLMLog)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("初始化 LLM 日志失败: %w", err)
	}
	if llmFile != nil {
		files = append(files, llmFile)
	}
	logger.SetFormat(cfg.App.LogFormat)
	logger.SetLevel(cfg.App.LogLevel)
	return cfg, closeAll, nil
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

func setupLLMLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	logger.SetLLMWriter(f)
	return f, nil
}
