package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stackwave/helmsman/pkg/config"
	"github.com/stackwave/helmsman/pkg/storage"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect the durable task log",
	Long: `Read the persisted task rows and their step logs.

The store is opened exclusively; run these commands against a stopped
control plane or a copy of the data directory.`,
}

var taskLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List all tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		tasks, err := store.ListTasks()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tTARGET\tSTATUS\tUPDATED")
		for _, task := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\n",
				task.ID, task.Type, task.Target, task.TargetID,
				task.Status, task.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task's full step log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		task, err := store.GetTask(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Task:    %s\n", task.ID)
		fmt.Printf("Type:    %s\n", task.Type)
		fmt.Printf("Target:  %s/%s\n", task.Target, task.TargetID)
		fmt.Printf("Status:  %s\n", task.Status)
		fmt.Printf("Created: %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Println("Log:")
		for _, entry := range task.Payload {
			line := entry.Step
			if entry.Message != "" {
				line += " - " + entry.Message
			}
			fmt.Printf("  %s  [%s/%s]  %s\n",
				entry.Timestamp.Format("15:04:05"), entry.Component, entry.Type, line)
		}
		return nil
	},
}

func openStore() (storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return storage.NewBoltStore(cfg.Data.Dir)
}

func init() {
	taskCmd.AddCommand(taskLsCmd)
	taskCmd.AddCommand(taskShowCmd)
}
