package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"treefs/internal/diff"
	"treefs/internal/inodes"
	"treefs/internal/store"
)

var (
	statusRev     string
	statusIgnored bool
)

var statusCmd = &cobra.Command{
	Use:   "status <client-dir>",
	Short: "Show working copy changes",
	Long: `Compare the working copy of a client against a tree and list changed paths.

Codes: A added, M modified, R removed, I ignored (only with --ignored).
By default the comparison is against the client's current snapshot.

Examples:
  treefs status ~/clients/work
  treefs status ~/clients/work --rev main --ignored`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRev, "rev", "", "Compare against this tree instead of the snapshot")
	statusCmd.Flags().BoolVar(&statusIgnored, "ignored", false, "Also list ignored untracked files")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userIgnore, err := settings.UserIgnoreLines()
	if err != nil {
		return err
	}
	return withClient(ctx, args[0], func(st *store.BoltStore, m *inodes.Mount) error {
		hash, err := resolveRev(st, statusRev, m.Snapshot())
		if err != nil {
			return err
		}
		status, err := diff.DiffMountForStatus(ctx, m, hash, diff.Options{
			ListIgnored:  statusIgnored,
			SystemIgnore: settings.SystemIgnore,
			UserIgnore:   userIgnore,
			Parallelism:  settings.DiffParallelism,
		})
		if err != nil {
			return err
		}
		printStatus(cmd.OutOrStdout(), cmd.ErrOrStderr(), status)
		if len(status.Errors) > 0 {
			return fmt.Errorf("%d path(s) could not be compared", len(status.Errors))
		}
		return nil
	})
}

var statusColors = map[diff.FileStatus]*color.Color{
	diff.Added:    color.New(color.FgGreen),
	diff.Modified: color.New(color.FgYellow),
	diff.Removed:  color.New(color.FgRed),
	diff.Ignored:  color.New(color.Faint),
}

func printStatus(w, errw io.Writer, s *diff.Status) {
	for _, p := range s.Paths() {
		st := s.Entries[p]
		statusColors[st].Fprintf(w, "%c %s\n", st.Code(), p)
	}
	if len(s.Errors) == 0 {
		return
	}
	paths := make([]string, 0, len(s.Errors))
	for p := range s.Errors {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	errColor := color.New(color.FgRed, color.Bold)
	for _, p := range paths {
		errColor.Fprintf(errw, "! %s: %v\n", p, s.Errors[p])
	}
}
