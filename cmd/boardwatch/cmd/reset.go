package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"boardwatch/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget every delivered post. The next run re-sends everything currently visible.",
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

		ctx := context.Background()
		n, err := store.Count(ctx)
		if err != nil {
			serviceutil.FatalCode(exitState, "failed to read dedup store", err)
		}

		if !resetYes {
			fmt.Printf("This forgets %d delivered posts. Continue? [y/N] ", n)
			answer, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if strings.TrimSpace(strings.ToLower(answer)) != "y" {
				fmt.Println("aborted")
				return
			}
		}

		if err := store.Reset(ctx); err != nil {
			serviceutil.FatalCode(exitState, "failed to reset dedup store", err)
		}
		fmt.Printf("forgot %d posts\n", n)
	},
}

func init() {
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "skip the confirmation prompt")
}
