package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/houzhh15/transcribex/internal/hardware"
)

type probeReport struct {
	Profile              hardware.Profile `json:"hardware_profile"`
	TotalMemoryGB        float64          `json:"system_memory_total_gb,omitempty"`
	AvailableMemoryGB    float64          `json:"system_memory_available_gb,omitempty"`
	RecommendedBatchSize int              `json:"recommended_batch_size"`
}

func newProbeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "probe",
		Short: "探测硬件并输出处理配置",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, processingFlags(cmd))
			if err != nil {
				return err
			}
			p := a.DetectProfile(cmd.Context())
			r := probeReport{Profile: p, RecommendedBatchSize: p.BatchSize}
			if total, err := hardware.TotalMemoryGB(); err == nil {
				r.TotalMemoryGB = total
			}
			if avail, err := hardware.AvailableMemoryGB(); err == nil {
				r.AvailableMemoryGB = avail
				r.RecommendedBatchSize = hardware.OptimalBatchSize(p, p.BatchSize, avail)
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(r)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Device:            %s (%s)\n", p.Device, p.Name)
			fmt.Fprintf(out, "Compute type:      %s\n", p.Precision)
			fmt.Fprintf(out, "Batch size:        %d (recommended %d)\n", p.BatchSize, r.RecommendedBatchSize)
			fmt.Fprintf(out, "Memory threshold:  %.1f GB\n", p.MemoryThresholdGB)
			fmt.Fprintf(out, "Unified memory:    %t\n", p.UnifiedMemory)
			if r.TotalMemoryGB > 0 {
				fmt.Fprintf(out, "System memory:     %.1f GB total, %.1f GB available\n", r.TotalMemoryGB, r.AvailableMemoryGB)
			}
			return nil
		},
	}
	addProcessingFlags(c)
	c.Flags().Bool("json", false, "以 JSON 输出")
	return c
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "输出生效配置（脱敏）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.Config.PrintConfig())
			return nil
		},
	}
}
