package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"ms-checkin/internal/agent"
	"ms-checkin/internal/config"
	"ms-checkin/internal/telemetry"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the print dispatch agent for one terminal",
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().String("terminal", "", "terminal id to print for (overrides TERMINAL_ID)")
	agentCmd.Flags().String("printer", "", "CUPS destination (overrides PRINTER_NAME)")
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, "print-agent")
	if err != nil {
		return err
	}
	defer a.Close()

	if v, _ := cmd.Flags().GetString("terminal"); v != "" {
		a.cfg.Agent.TerminalID = v
	}
	if v, _ := cmd.Flags().GetString("printer"); v != "" {
		a.cfg.Agent.Printer = v
	}
	if err := a.cfg.ValidateAgent(); err != nil {
		return err
	}

	shutdownTracer, err := telemetry.InitTracer(ctx, a.cfg.Telemetry, a.cfg.AppEnv)
	if err != nil {
		a.log.Warn("OTEL", fmt.Sprintf("Tracing disabled: %v", err))
	} else {
		defer shutdownTracer(context.Background())
	}

	sub, err := a.feedSubscriber(ctx)
	if err != nil {
		// Polling still delivers every job.
		a.log.Error("FEED", fmt.Sprintf("Change feed unavailable: %v", err))
		sub = nil
	}

	cfg := a.cfg.Agent
	dispatcher := agent.New(agent.Config{
		TerminalID:   cfg.TerminalID,
		PollInterval: cfg.PollInterval,
		PollBatch:    cfg.PollBatch,
		PollAlways:   cfg.PollAlways || sub == nil,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBackoff: cfg.RetryBackoff,
		StagingDir:   cfg.StagingDir,
		PrintedTopic: a.cfg.Kafka.Topics.PrintPrinted,
		FailedTopic:  a.cfg.Kafka.Topics.PrintFailed,
	}, jobStore(a.db), blobStore(a.cfg), newPrinter(cfg), sub, a.events(ctx), a.log)

	return dispatcher.Run(ctx)
}

func newPrinter(cfg config.AgentConfig) agent.Printer {
	if cfg.PrinterMode == "spool" {
		return &agent.SpoolPrinter{Dir: cfg.SpoolDir}
	}
	return agent.NewLPPrinter(cfg.Printer)
}
