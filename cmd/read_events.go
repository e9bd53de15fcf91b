package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"example.com/aethyr/world/utils"
)

var readEventsCmd = &cobra.Command{
	Use:   "read_events <aggregate-id>",
	Short: "Print the event stream of an aggregate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		events, err := a.world.Events(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		out, err := utils.PrettyPrint(events)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(readEventsCmd)
}
