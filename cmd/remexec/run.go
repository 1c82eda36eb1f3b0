package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/andrej220/remexec/internal/executor"
	"github.com/andrej220/remexec/internal/lg"
	"github.com/andrej220/remexec/internal/report"
	"github.com/andrej220/remexec/internal/transcript"
	"github.com/spf13/cobra"
)

var (
	reportPath string
	policyFlag string
	runTargets []string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- <action>",
	Short: "Run an action against the configured targets",
	Long: "Run joins its arguments into one shell action and runs it against each target in turn " +
		"until one succeeds. The exit code is non-zero when no target succeeded.",
	Args: cobra.MinimumNArgs(1),
	RunE: runAction,
}

func init() {
	runCmd.Flags().StringVar(&reportPath, "report", "", "write a JSON report of the outcome to this file")
	runCmd.Flags().StringVar(&policyFlag, "policy", "", "override the failure policy (fail_fast or continue_on_error)")
	runCmd.Flags().StringSliceVarP(&runTargets, "target", "t", nil, "run against these destinations instead of the configured ones")
	rootCmd.AddCommand(runCmd)
}

func runAction(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, bootstrapLogger())
	if err != nil {
		return err
	}
	defer closeStore(context.WithoutCancel(ctx), store)

	cfg, logger, err := loadConfig(ctx, store)
	if err != nil {
		return err
	}
	defer logger.Sync()
	if policyFlag != "" {
		if _, err := executor.ParsePolicy(policyFlag); err != nil {
			return err
		}
		cfg.Policy = policyFlag
	}

	s, err := build(cfg, &transcript.WriterSink{W: cmd.OutOrStdout(), Prefix: true}, logger)
	if err != nil {
		return err
	}
	defer s.close()

	targets, err := s.resolve(runTargets)
	if err != nil {
		return err
	}

	action := strings.Join(args, " ")
	out, execErr := s.exec.Execute(ctx, targets, action)
	if reportPath != "" && out != nil {
		if err := report.WriteJSON(report.FromOutcome(out, execErr), reportPath); err != nil {
			logger.Error("Failed to write report", lg.String("path", reportPath), lg.Err(err))
		}
	}
	if execErr != nil {
		return execErr
	}
	if last := out.Last(); last != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "action succeeded on %s\n", last.Target)
	}
	return nil
}
