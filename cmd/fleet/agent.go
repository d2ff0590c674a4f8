package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fentz26/fleet/internal/connectors/localexec"
	"github.com/fentz26/fleet/internal/runner"
	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run this host as a fleet machine",
	Long: `Registers this host with the daemon, keeps it alive with heartbeats, claims
assigned tasks and executes them locally, streaming output back to the daemon.`,
	RunE: runAgent,
}

var (
	agentMachineID  string
	agentAffinities []string
	agentMax        int
)

func init() {
	agentCmd.Flags().StringVar(&agentMachineID, "id", "", "Machine ID (default agent.machine_id, the hostname)")
	agentCmd.Flags().StringSliceVar(&agentAffinities, "affinity", nil, "Projects this machine prefers (repeatable)")
	agentCmd.Flags().IntVar(&agentMax, "max", 0, "Concurrent task slots (default agent.max_concurrent)")
}

func runAgent(cmd *cobra.Command, args []string) error {
	ac := cfg.Agent
	if agentMachineID != "" {
		ac.MachineID = agentMachineID
	}
	if len(agentAffinities) > 0 {
		ac.Affinities = agentAffinities
	}
	if agentMax > 0 {
		ac.MaxConcurrent = agentMax
	}
	workDir := ac.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	r := runner.New(newClient(), localexec.New(workDir), runner.Config{
		MachineID:         ac.MachineID,
		Affinities:        ac.Affinities,
		MaxConcurrent:     ac.MaxConcurrent,
		HeartbeatInterval: ac.HeartbeatInterval,
		PollInterval:      ac.PollInterval,
	}, runner.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("stopping agent; running tasks are reported as interrupted")
	r.Stop()
	return nil
}
