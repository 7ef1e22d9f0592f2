package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"boardwatch/lib/util/serviceutil"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the local state: delivered-post count and lock status.",
	Run: func(command *cobra.Command, args []string) {
		config, err := readConfig()
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		store, err := openDedup(config)
		if err != nil {
			serviceutil.FatalCode(exitState, "failed to open dedup store", err)
		}
		defer store.Close()

		n, err := store.Count(context.Background())
		if err != nil {
			serviceutil.FatalCode(exitState, "failed to read dedup store", err)
		}

		lockPath := filepath.Join(config.StateDir, "run.lock")
		locked := "no"
		if _, err := os.Stat(lockPath); err == nil {
			locked = "yes"
		}

		t := table.NewWriter()
		t.AppendHeader(table.Row{"boards", "delivered posts", "run in progress"})
		t.AppendRow(table.Row{len(config.Boards), n, locked})
		fmt.Println(t.Render())
	},
}
