package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func precheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "precheck",
		Short: "Inspect and control the precheck engine",
	}
	cmd.AddCommand(precheckStatusCmd(), precheckTriggerCmd())
	return cmd
}

func precheckStatusCmd() *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a pool's precheck configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := poolFlag(cmd.Context(), pool)
			if err != nil {
				return err
			}
			defer cleanup()

			cfg := p.GetPrecheckConfig()
			fmt.Printf("pool:          %s\n", pool)
			fmt.Printf("enabled:       %v\n", cfg.Enabled)
			fmt.Printf("count:         %d\n", cfg.Count)
			fmt.Printf("trigger_ratio: %v\n", cfg.TriggerRatio)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "primary", "Pool name")
	return cmd
}

func precheckTriggerCmd() *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Force an immediate fill of the next precheck buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := poolFlag(cmd.Context(), pool)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := p.ManualTriggerPrecheck(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("precheck triggered on pool %s in %s\n", pool, result.ExecutionTime)
			fmt.Printf("before: batch=%s count=%d used=%d ready=%v next_ready=%v\n",
				result.Before.CurrentBatchName, result.Before.CurrentBatchCount,
				result.Before.UsedCount, result.Before.CurrentReady, result.Before.NextReady)
			fmt.Printf("after:  batch=%s count=%d used=%d ready=%v next_ready=%v\n",
				result.After.CurrentBatchName, result.After.CurrentBatchCount,
				result.After.UsedCount, result.After.CurrentReady, result.After.NextReady)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "primary", "Pool name")
	return cmd
}
