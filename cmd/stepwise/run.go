package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/stepwise/config"
	"github.com/mohammad-safakhou/stepwise/internal/agent/core"
	"github.com/mohammad-safakhou/stepwise/internal/agent/telemetry"
	"github.com/mohammad-safakhou/stepwise/internal/plan"
	"github.com/mohammad-safakhou/stepwise/provider"
)

func runCMD() *cobra.Command {
	var cfgPath, language, correlationID string
	var quick, background bool
	var checklist []string
	var cmd = &cobra.Command{
		Use:   "run [instruction]",
		Short: "Execute one task inline and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			gateway, err := provider.NewGateway(cfg.LLM)
			if err != nil {
				return fmt.Errorf("gateway init: %w", err)
			}
			registry, err := buildRegistry(cfg)
			if err != nil {
				return fmt.Errorf("registry init: %w", err)
			}

			tel := telemetry.NewTelemetry(cfg.Telemetry)
			engine := core.NewOrchestrator(cfg, gateway, registry, tel)

			p := plan.New(correlationID, strings.Join(args, " "))
			p.Language = language
			p.Quick = quick
			p.BackgroundMode = background
			p.Checklist = checklist

			summary, err := engine.Execute(ctx, p)
			if summary.Message != "" {
				fmt.Println(summary.Message)
			}
			if err != nil {
				return err
			}
			fmt.Printf("\nplan %s: %d step(s), %d failed, %d rounds, $%.4f\n",
				strings.ToLower(summary.Status), summary.StepsExecuted, summary.StepsFailed, summary.Rounds, summary.Cost)
			return nil
		},
	}
	cmd.Flags().StringVar(&language, "language", "", "answer language (default: task language)")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "trace key (generated when empty)")
	cmd.Flags().BoolVar(&quick, "quick", false, "route to the quick model tier")
	cmd.Flags().BoolVar(&background, "background", false, "route to the background model tier")
	cmd.Flags().StringSliceVar(&checklist, "checklist", nil, "open questions the plan should address")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
