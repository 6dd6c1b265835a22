package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// query wraps a client call whose result is printed in the chosen format
func query[T any](fetch func(cmd *cobra.Command, args []string) (T, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		result, err := fetch(cmd, args)
		if err != nil {
			return err
		}
		NewOutput(cfg.Output, cmd.OutOrStdout()).Print(result)
		return nil
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show an instance's health and local counts",
		RunE: query(func(cmd *cobra.Command, _ []string) (HealthResult, error) {
			return client.Health(cmd.Context())
		}),
	}
}

func newRoomsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "Inspect rooms",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List live room codes across the fleet",
			RunE: query(func(cmd *cobra.Command, _ []string) (RoomList, error) {
				return client.Rooms(cmd.Context())
			}),
		},
		&cobra.Command{
			Use:   "show <code>",
			Short: "Show a room",
			Args:  cobra.ExactArgs(1),
			RunE: query(func(cmd *cobra.Command, args []string) (Room, error) {
				return client.Room(cmd.Context(), strings.TrimSpace(args[0]))
			}),
		},
	)

	return cmd
}
