package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"example.com/aethyr/world/utils"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild every read table from the event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.world.RebuildWorldState(ctx)
		if err != nil {
			return err
		}

		out, err := utils.PrettyPrint(stats)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rebuildCmd)
}
