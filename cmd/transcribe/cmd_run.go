package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/houzhh15/transcribex/internal/config"
	"github.com/houzhh15/transcribex/internal/format"
)

func newRunCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run <audio>",
		Short: "转写音频文件并写出结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, processingFlags(cmd))
			if err != nil {
				return err
			}
			formats, err := format.ParseList(a.Config.Output.Formats)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			profile := a.DetectProfile(ctx)
			fmt.Fprintf(cmd.ErrOrStderr(), "Hardware: %s\n", profile)

			quiet, _ := cmd.Flags().GetBool("quiet")
			progress := func(p float64, msg string) {
				if !quiet {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%3.0f%%] %s\n", p*100, msg)
				}
			}

			audioPath := args[0]
			res, err := a.NewPipeline().ProcessFile(ctx, audioPath, profile, a.Config.Processing.PipelineConfig(), a.Config.Credential, progress)
			if err != nil {
				return err
			}

			base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
			paths, err := format.WriteFiles(a.Config.Output.Dir, base, formats, res)
			if err != nil {
				return err
			}
			md := res.ProcessingMetadata
			fmt.Fprintf(cmd.OutOrStdout(), "Transcribed %.1fs of audio in %d segment(s), %d utterances, language %s\n",
				md.AudioDurationS, md.SegmentsProcessed, len(res.Segments), res.Language)
			if md.DeviceFallback {
				fmt.Fprintf(cmd.OutOrStdout(), "Note: fell back to %s\n", md.Profile)
			}
			for _, d := range md.DegradedStages {
				fmt.Fprintf(cmd.OutOrStdout(), "Warning: segment %d %s degraded: %s\n", d.SegmentID+1, d.Stage, d.Code)
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
	addProcessingFlags(c)
	c.Flags().StringSlice("format", nil, "输出格式 json,srt,vtt,txt（默认取配置）")
	c.Flags().String("output-dir", "", "输出目录（默认取配置）")
	c.Flags().BoolP("quiet", "q", false, "不输出进度")
	return c
}

func addProcessingFlags(c *cobra.Command) {
	c.Flags().String("preset", "", "处理预设 fast/balanced/accurate/long_audio")
	c.Flags().String("model", "", "模型 base/small/medium/large-v2/large-v3")
	c.Flags().String("language", "", "语言代码或 auto")
	c.Flags().Bool("diarize", false, "启用说话人分离（需要 HF_TOKEN）")
	c.Flags().Int("min-speakers", 0, "最少说话人数")
	c.Flags().Int("max-speakers", 0, "最多说话人数")
	c.Flags().Float64("segment-length", 0, "分段时长上限（小时）")
	c.Flags().String("device", "", "强制设备 cpu/cuda/mps/rocm/xpu")
	c.Flags().Int("batch-size", 0, "批大小")
}

// processingFlags 返回将显式设置的命令行标志覆盖到配置上的函数
func processingFlags(cmd *cobra.Command) func(*config.Config) error {
	return func(cfg *config.Config) error {
		f := cmd.Flags()
		if f.Changed("preset") {
			name, _ := f.GetString("preset")
			p, ok := config.Preset(name)
			if !ok {
				return fmt.Errorf("unknown preset %q (must be: %s)", name, strings.Join(config.PresetNames(), ", "))
			}
			cfg.Processing = p
		}
		if f.Changed("model") {
			cfg.Processing.Model, _ = f.GetString("model")
		}
		if f.Changed("language") {
			cfg.Processing.Language, _ = f.GetString("language")
		}
		if f.Changed("diarize") {
			cfg.Processing.Diarization, _ = f.GetBool("diarize")
		}
		if f.Changed("min-speakers") {
			cfg.Processing.MinSpeakers, _ = f.GetInt("min-speakers")
		}
		if f.Changed("max-speakers") {
			cfg.Processing.MaxSpeakers, _ = f.GetInt("max-speakers")
		}
		if f.Changed("segment-length") {
			cfg.Processing.SegmentLengthHours, _ = f.GetFloat64("segment-length")
		}
		if f.Changed("device") {
			cfg.Hardware.Device, _ = f.GetString("device")
		}
		if f.Changed("batch-size") {
			cfg.Hardware.BatchSize, _ = f.GetInt("batch-size")
		}
		if f.Lookup("format") != nil && f.Changed("format") {
			cfg.Output.Formats, _ = f.GetStringSlice("format")
		}
		if f.Lookup("output-dir") != nil && f.Changed("output-dir") {
			cfg.Output.Dir, _ = f.GetString("output-dir")
		}
		return nil
	}
}
