package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hupe1980/tailormesh/config"
	"github.com/hupe1980/tailormesh/instruction"
	"github.com/hupe1980/tailormesh/ledger"
	"github.com/hupe1980/tailormesh/usage"
)

func priceCmd() *cobra.Command {
	var fallbackFlag bool

	cmd := &cobra.Command{
		Use:   "price MODEL INPUT_TOKENS OUTPUT_TOKENS",
		Short: "Print the ZAR cost of a call",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("input tokens: %w", err)
			}
			out, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("output tokens: %w", err)
			}

			acct := usage.NewAccountant()
			cost, err := acct.Price(args[0], in, out)
			if err != nil {
				if !fallbackFlag {
					return err
				}
				cost, _ = acct.Cost(args[0], in, out)
				fmt.Fprintf(cmd.ErrOrStderr(), "unknown model, priced as %s\n", acct.FallbackModel())
			}
			fmt.Fprintln(cmd.OutOrStdout(), usage.FormatZAR(cost))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fallbackFlag, "fallback", false, "Price unknown models at the fallback rate")
	return cmd
}

func instructionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instructions",
		Short: "Inspect instruction documents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Check that an instruction file would be accepted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := instruction.Validate(string(data)); err != nil {
				return err
			}
			sections := instruction.ParseSections(string(data))
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d sections\n", len(sections))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [default|practitioner]",
		Short: "Print a built-in instruction text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := instruction.ModeDefault
			if len(args) == 1 {
				mode = instruction.Mode(args[0])
			}
			if mode != instruction.ModeDefault && mode != instruction.ModePractitioner {
				return fmt.Errorf("unknown mode %q", args[0])
			}
			fmt.Fprint(cmd.OutOrStdout(), instruction.BuiltinText(mode))
			return nil
		},
	})
	return cmd
}

func ledgerCmd(configPath *string) *cobra.Command {
	var limitFlag int

	cmd := &cobra.Command{
		Use:   "ledger SESSION_ID",
		Short: "Show recorded usage for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Ledger.Path == "" {
				return fmt.Errorf("ledger.path is not configured")
			}

			l, err := ledger.Open(cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer l.Close()

			ctx := cmd.Context()
			totals, err := l.SessionTotals(ctx, args[0])
			if err != nil {
				return err
			}
			entries, err := l.List(ctx, args[0], limitFlag)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Totals  ledger.Totals  `json:"totals"`
				Cost    string         `json:"cost"`
				Entries []ledger.Entry `json:"entries"`
			}{totals, usage.FormatZAR(totals.CostZAR), entries})
		},
	}
	cmd.Flags().IntVar(&limitFlag, "limit", 20, "Maximum entries to list")
	return cmd
}
