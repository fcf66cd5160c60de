package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/houzhh15/transcribex/internal/app"
	"github.com/houzhh15/transcribex/internal/config"
	"github.com/houzhh15/transcribex/internal/orchestrator"
	"github.com/houzhh15/transcribex/internal/pipeline"
	"github.com/houzhh15/transcribex/pkg/logger"
)

// 退出码：1 通用错误，2 输入无效，3 模型加载失败，130 用户取消
const (
	exitFailure      = 1
	exitInvalidInput = 2
	exitModelLoad    = 3
	exitCancelled    = 130
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "transcribe",
		Short:         "长音频分段转写工具",
		Long:          "按内存预算将长音频分段，逐段完成转写、对齐与说话人分离，合并为单一结果。",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "配置文件路径（YAML）")
	root.PersistentFlags().String("log-level", "", "日志级别 debug/info/warn/error")

	root.AddCommand(newRunCmd())
	root.AddCommand(newPlanCmd())
	root.AddCommand(newProbeCmd())
	root.AddCommand(newConfigCmd())
	return root
}

// loadApp 加载配置（文件 -> 环境变量 -> 命令行标志），初始化日志与后端
func loadApp(cmd *cobra.Command, apply func(*config.Config) error) (*app.App, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if apply != nil {
		if err := apply(cfg); err != nil {
			return nil, err
		}
		if err := config.ValidateConfig(cfg); err != nil {
			return nil, err
		}
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)
	return app.New(cfg, log)
}

// exitCode 按错误码映射进程退出码
func exitCode(err error) int {
	if pipeline.IsCancelled(err) {
		return exitCancelled
	}
	switch orchestrator.CodeOf(err) {
	case orchestrator.INVALID_INPUT:
		return exitInvalidInput
	case orchestrator.MODEL_LOAD_FAILED:
		return exitModelLoad
	default:
		return exitFailure
	}
}
