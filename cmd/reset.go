package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var resetConfirmed bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every event, counter and snapshot, then empty the read tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetConfirmed {
			return fmt.Errorf("refusing to reset without --yes")
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Reset(cmd.Context()); err != nil {
			return err
		}
		// with an empty log a rebuild only clears the read tables
		if _, err := a.world.RebuildWorldState(cmd.Context()); err != nil {
			return err
		}

		log.Warn().Msg("World state reset")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "confirm the reset")
	rootCmd.AddCommand(resetCmd)
}
