package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oriys/keyvault/internal/keypool"
	"github.com/oriys/keyvault/internal/logging"
)

func keyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Inspect and manage keys in a pool",
	}
	cmd.AddCommand(
		keyListCmd(),
		keyEnableCmd(),
		keyDisableCmd(),
		keyFreezeCmd(),
		keyUnfreezeCmd(),
		keyResetCmd(),
		keyVerifyCmd(),
	)
	return cmd
}

// poolFlag loads config, builds pools, and returns the one named name.
func poolFlag(ctx context.Context, name string) (*keypool.Pool, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	_, pools, cleanup, err := buildAdmin(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	p, ok := pools[name]
	if !ok {
		cleanup()
		return nil, nil, fmt.Errorf("unknown pool %q", name)
	}
	return p, cleanup, nil
}

func keyListCmd() *cobra.Command {
	var pool, kind, search string
	var page, pageSize int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys in a pool, paginated and filtered by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := poolFlag(cmd.Context(), pool)
			if err != nil {
				return err
			}
			defer cleanup()

			pg := p.Paginated(keypool.PageKind(kind), page, pageSize, search, nil)
			if len(pg.Keys) == 0 {
				fmt.Println("No keys found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tFAIL_COUNT\tFROZEN")
			snap := p.StatusSnapshot()
			var source map[string]keypool.KeyStatus
			switch keypool.PageKind(kind) {
			case keypool.KindInvalid:
				source = snap.Invalid
			case keypool.KindFrozen:
				source = snap.Frozen
			default:
				source = snap.Valid
			}
			for _, k := range pg.Keys {
				st := source[k]
				fmt.Fprintf(w, "%s\t%d\t%v\n", logging.RedactKey(k), st.FailCount, st.ManuallyFrozen || !st.FreezeUntil.IsZero())
			}
			w.Flush()
			fmt.Printf("\npage %d/%d (%d total)\n", pg.Page, pg.TotalPages, pg.TotalCount)
			return nil
		},
	}

	cmd.Flags().StringVar(&pool, "pool", "primary", "Pool name")
	cmd.Flags().StringVar(&kind, "kind", string(keypool.KindValid), "valid, invalid, or frozen")
	cmd.Flags().StringVar(&search, "search", "", "Substring filter")
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "Page size")
	return cmd
}

func keyEnableCmd() *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "enable <key>",
		Short: "Re-enable a manually disabled key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := poolFlag(cmd.Context(), pool)
			if err != nil {
				return err
			}
			defer cleanup()
			p.Enable(args[0])
			fmt.Printf("key %s enabled in pool %s\n", logging.RedactKey(args[0]), pool)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "primary", "Pool name")
	return cmd
}

func keyDisableCmd() *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "disable <key>",
		Short: "Manually disable a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := poolFlag(cmd.Context(), pool)
			if err != nil {
				return err
			}
			defer cleanup()
			p.Disable(args[0])
			fmt.Printf("key %s disabled in pool %s\n", logging.RedactKey(args[0]), pool)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "primary", "Pool name")
	return cmd
}

func keyFreezeCmd() *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "freeze <key>",
		Short: "Manually freeze a key until explicitly unfrozen",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := poolFlag(cmd.Context(), pool)
			if err != nil {
				return err
			}
			defer cleanup()
			p.ManuallyFreeze(args[0])
			fmt.Printf("key %s frozen in pool %s\n", logging.RedactKey(args[0]), pool)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "primary", "Pool name")
	return cmd
}

func keyUnfreezeCmd() *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "unfreeze <key>",
		Short: "Clear a key's manual freeze",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := poolFlag(cmd.Context(), pool)
			if err != nil {
				return err
			}
			defer cleanup()
			p.ManuallyUnfreeze(args[0])
			fmt.Printf("key %s unfrozen in pool %s\n", logging.RedactKey(args[0]), pool)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "primary", "Pool name")
	return cmd
}

func keyResetCmd() *cobra.Command {
	var pool string
	var all bool
	cmd := &cobra.Command{
		Use:   "reset [key]",
		Short: "Reset a key's failure count, or every key's with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := poolFlag(cmd.Context(), pool)
			if err != nil {
				return err
			}
			defer cleanup()
			if all {
				p.ResetAllFail()
				fmt.Printf("all fail counts reset in pool %s\n", pool)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("key argument required unless --all is set")
			}
			p.ResetFail(args[0])
			fmt.Printf("fail count reset for key %s in pool %s\n", logging.RedactKey(args[0]), pool)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "primary", "Pool name")
	cmd.Flags().BoolVar(&all, "all", false, "Reset every key's fail count")
	return cmd
}

func keyVerifyCmd() *cobra.Command {
	var pool string
	cmd := &cobra.Command{
		Use:   "verify <key>",
		Short: "Synchronously validate a key against upstream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, cleanup, err := poolFlag(cmd.Context(), pool)
			if err != nil {
				return err
			}
			defer cleanup()
			outcome, err := p.VerifyKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("key %s: %s\n", logging.RedactKey(args[0]), outcome)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", "primary", "Pool name")
	return cmd
}
