package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/houzhh15/transcribex/internal/hardware"
	"github.com/houzhh15/transcribex/internal/memory"
	"github.com/houzhh15/transcribex/internal/pipeline"
	"github.com/houzhh15/transcribex/internal/segment"
)

// planReport 分段计划输出
type planReport struct {
	Audio          string           `json:"audio"`
	DurationS      float64          `json:"duration_s"`
	Model          string           `json:"model"`
	Profile        hardware.Profile `json:"hardware_profile"`
	EstimateGB     float64          `json:"estimate_gb"`
	NeedsSplitting bool             `json:"needs_segmentation"`
	Segments       segment.Plan     `json:"segments"`
}

func newPlanCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "plan <audio>",
		Short: "显示内存估算与分段计划，不执行转写",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, processingFlags(cmd))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			buf, err := a.Loader().Load(ctx, args[0])
			if err != nil {
				return err
			}
			profile := a.DetectProfile(ctx)
			pcfg := a.Config.Processing.PipelineConfig()

			r := planReport{
				Audio:      args[0],
				DurationS:  buf.DurationSeconds(),
				Model:      pcfg.ModelClass,
				Profile:    profile,
				EstimateGB: memory.Estimate(buf.DurationHours(), pcfg.ModelClass, profile.BatchSize),
				Segments:   pipeline.Planner(pcfg).Plan(buf.Len(), pcfg.ModelClass, profile.BatchSize, profile.MemoryThresholdGB),
			}
			r.NeedsSplitting = segment.NeedsSegmentation(buf.DurationHours(), pcfg.ModelClass, profile.BatchSize, profile.MemoryThresholdGB)

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			printPlan(cmd, r)
			return nil
		},
	}
	addProcessingFlags(c)
	c.Flags().Bool("json", false, "以 JSON 输出")
	return c
}

func printPlan(cmd *cobra.Command, r planReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Audio:     %s (%.1f min)\n", r.Audio, r.DurationS/60)
	fmt.Fprintf(out, "Hardware:  %s\n", r.Profile)
	fmt.Fprintf(out, "Estimate:  %.2f GB for model %s (threshold %.1f GB)\n", r.EstimateGB, r.Model, r.Profile.MemoryThresholdGB)
	fmt.Fprintf(out, "Segments:  %d\n\n", len(r.Segments))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTART (h)\tEND (h)\tSAMPLES")
	for _, s := range r.Segments {
		fmt.Fprintf(tw, "%d\t%.3f\t%.3f\t%d\n", s.ID, s.StartTimeH, s.EndTimeH, s.Len())
	}
	tw.Flush()
}
