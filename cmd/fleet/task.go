package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/fentz26/fleet/internal/controlplane"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [command...]",
	Short: "Queue a new task",
	Long: `Queue a task for the given project. The description is the command line a
machine runner executes, e.g. fleet task add --project api -- go test ./...`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details and audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskReplyCmd = &cobra.Command{
	Use:   "reply [task-id] [text...]",
	Short: "Send a reply to the machine running a task",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runTaskReply,
}

var (
	taskProject  string
	taskPriority int
	taskBudget   float64
	taskStatus   string
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskReplyCmd)

	taskAddCmd.Flags().StringVarP(&taskProject, "project", "p", "", "Project the task belongs to (required)")
	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 0, "Priority; higher is dispatched first")
	taskAddCmd.Flags().Float64Var(&taskBudget, "budget", 1, "Spend budget in dollars")
	taskAddCmd.MarkFlagRequired("project")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (queued, assigned, claimed, running, completed, failed, cancelled)")
	taskListCmd.Flags().StringVarP(&taskProject, "project", "p", "", "Filter by project")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	task, err := newClient().CreateTask(cmd.Context(), controlplane.CreateTaskRequest{
		Project:     taskProject,
		Description: strings.Join(args, " "),
		Priority:    taskPriority,
		Budget:      taskBudget,
	})
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Queued task %s (%s)", task.ID, task.Project), color.FgGreen)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	tasks, err := newClient().ListTasks(cmd.Context(), taskStatus, taskProject)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tPROJECT\tSTATUS\tPRIO\tMACHINE\tDESCRIPTION")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			truncateID(t.ID), t.Project, colorStatus(string(t.Status)), t.Priority, t.AssignedMachine, truncate(t.Description, 50))
	}
	return w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	c := newClient()
	task, err := c.GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	field("ID", task.ID)
	field("Project", task.Project)
	field("Description", task.Description)
	field("Status", colorStatus(string(task.Status)))
	field("Priority", fmt.Sprintf("%d", task.Priority))
	field("Budget", fmt.Sprintf("$%.2f", task.Budget))
	field("Machine", task.AssignedMachine)
	field("Created", formatTime(&task.CreatedAt))
	field("Assigned", formatTime(task.AssignedAt))
	field("Claimed", formatTime(task.ClaimedAt))
	field("Started", formatTime(task.StartedAt))
	field("Ended", formatTime(task.EndedAt))

	if r := task.Result; r != nil {
		fmt.Println()
		field("Cost", fmt.Sprintf("$%.2f", r.Cost))
		if r.Error != "" {
			field("Error", color.RedString(r.Error))
		}
		field("Link", r.ExternalURL)
		field("Changed", strings.Join(r.ChangedArtifacts, ", "))
		if r.Summary != "" {
			fmt.Println("\n--- SUMMARY ---")
			fmt.Println(r.Summary)
		}
	}

	entries, err := c.TaskAudit(cmd.Context(), task.ID)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		fmt.Println("\n--- AUDIT ---")
		w := newTable()
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("15:04:05"), e.Action, e.Outcome, e.Details)
		}
		return w.Flush()
	}
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	task, err := newClient().CancelTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Task %s is %s", truncateID(task.ID), task.Status), color.FgGreen)
	return nil
}

func runTaskReply(cmd *cobra.Command, args []string) error {
	if _, err := newClient().Reply(cmd.Context(), args[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	printStatus("✓", "Reply queued; the machine picks it up on its next poll", color.FgGreen)
	return nil
}
