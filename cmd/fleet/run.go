package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/subagent"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage subagent runs",
}

var runSpawnCmd = &cobra.Command{
	Use:   "spawn [task...]",
	Short: "Spawn a subagent run under a profile",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunSpawn,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subagent runs",
	RunE:  runRunList,
}

var runShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run's status and result",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunShow,
}

var runTreeCmd = &cobra.Command{
	Use:   "tree [run-id]",
	Short: "Show a run and all of its descendants",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunTree,
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunCancel,
}

var runProfilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List subagent profiles",
	RunE:  runRunProfiles,
}

var (
	runProfile string
	runParent  string
	runModel   string
	runTimeout int
	runCleanup string
	runStatus  string
	runCascade bool
)

func init() {
	runCmd.AddCommand(runSpawnCmd, runListCmd, runShowCmd, runTreeCmd, runCancelCmd, runProfilesCmd)

	runSpawnCmd.Flags().StringVar(&runProfile, "profile", "default", "Subagent profile")
	runSpawnCmd.Flags().StringVar(&runParent, "parent", "", "Parent run ID")
	runSpawnCmd.Flags().StringVar(&runModel, "model", "", "Model override")
	runSpawnCmd.Flags().IntVar(&runTimeout, "timeout", 0, "Timeout in seconds (default from profile)")
	runSpawnCmd.Flags().StringVar(&runCleanup, "cleanup", "", "Cleanup policy: retain or purge (default from profile)")

	runListCmd.Flags().StringVar(&runStatus, "status", "", "Filter by status (pending, running, completed, error, timeout, cancelled)")

	runCancelCmd.Flags().BoolVar(&runCascade, "cascade", true, "Also cancel descendants")
}

func runRunSpawn(cmd *cobra.Command, args []string) error {
	run, err := newClient().SpawnRun(cmd.Context(), subagent.SpawnRequest{
		ProfileID:      runProfile,
		Task:           strings.Join(args, " "),
		ParentRunID:    runParent,
		Model:          runModel,
		TimeoutSeconds: runTimeout,
		Cleanup:        models.CleanupPolicy(runCleanup),
	})
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Spawned run %s (profile %s, mode %s, timeout %ds)", run.ID, run.ProfileID, run.Mode, run.TimeoutSeconds), color.FgGreen)
	return nil
}

func runRunList(cmd *cobra.Command, args []string) error {
	runs, err := newClient().ListRuns(cmd.Context(), runStatus)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tPROFILE\tMODE\tSTATUS\tPARENT\tTASK")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID), r.ProfileID, r.Mode, colorStatus(string(r.Status)), truncateID(r.ParentRunID), truncate(r.Task, 50))
	}
	return w.Flush()
}

func runRunShow(cmd *cobra.Command, args []string) error {
	run, err := newClient().GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	field("ID", run.ID)
	field("Parent", run.ParentRunID)
	field("Profile", run.ProfileID)
	field("Mode", run.Mode)
	field("Model", run.Model)
	field("Status", colorStatus(string(run.Status)))
	field("Timeout", run.Timeout().String())
	field("Cleanup", string(run.Cleanup))
	field("Created", formatTime(&run.CreatedAt))
	field("Started", formatTime(run.StartedAt))
	field("Ended", formatTime(run.EndedAt))
	field("Task", run.Task)
	if run.Error != "" {
		field("Error", color.RedString(run.Error))
	}
	if run.Result != "" {
		fmt.Println("\n--- RESULT ---")
		fmt.Println(run.Result)
	}
	return nil
}

func runRunTree(cmd *cobra.Command, args []string) error {
	c := newClient()
	root, err := c.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	descendants, err := c.RunDescendants(cmd.Context(), root.ID)
	if err != nil {
		return err
	}

	children := make(map[string][]models.SubagentRun)
	for _, d := range descendants {
		children[d.ParentRunID] = append(children[d.ParentRunID], d)
	}
	printRunTree(*root, children, "")
	return nil
}

func printRunTree(run models.SubagentRun, children map[string][]models.SubagentRun, indent string) {
	fmt.Printf("%s%s %s %s\n", indent, truncateID(run.ID), colorStatus(string(run.Status)), truncate(run.Task, 60))
	for _, child := range children[run.ID] {
		printRunTree(child, children, indent+"  ")
	}
}

func runRunCancel(cmd *cobra.Command, args []string) error {
	ids, err := newClient().CancelRun(cmd.Context(), args[0], runCascade)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		printStatus("•", "Nothing to cancel; the run already finished", color.FgYellow)
		return nil
	}
	printStatus("✓", fmt.Sprintf("Cancelled %d run(s)", len(ids)), color.FgGreen)
	for _, id := range ids {
		fmt.Println("  " + id)
	}
	return nil
}

func runRunProfiles(cmd *cobra.Command, args []string) error {
	profiles, err := newClient().Profiles(cmd.Context())
	if err != nil {
		return err
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tMODE\tMAX\tTIMEOUT\tCLEANUP\tMODEL")
	for _, p := range profiles {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", p.ID, p.Mode, p.MaxConcurrent, p.DefaultTimeout, p.Cleanup, p.DefaultModel)
	}
	return w.Flush()
}
