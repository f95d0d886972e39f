package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"treefs/internal/inodes"
	"treefs/internal/store"
)

var checkoutCmd = &cobra.Command{
	Use:   "checkout <client-dir> <rev>",
	Short: "Move a client to another tree",
	Long: `Move the working copy of a client to another tree.

Unmodified files and directories take their new contents. Local
modifications are kept; entries where they collide with upstream changes
are listed as conflicts.

Examples:
  treefs checkout ~/clients/work main`,
	Args: cobra.ExactArgs(2),
	RunE: runCheckout,
}

func init() {
	rootCmd.AddCommand(checkoutCmd)
}

func runCheckout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withClient(ctx, args[0], func(st *store.BoltStore, m *inodes.Mount) error {
		hash, err := resolveRev(st, args[1], m.Snapshot())
		if err != nil {
			return err
		}
		res, err := m.Checkout(ctx, hash)
		if err != nil {
			return fmt.Errorf("checkout failed: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Snapshot: %s\n", hash)
		warn := color.New(color.FgYellow)
		for _, c := range res.Conflicts {
			warn.Fprintf(out, "conflict (%s): %s\n", c.Kind, c.Path)
		}
		return nil
	})
}
