package commands

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"treefs/internal/inodes"
	"treefs/internal/overlay"
	"treefs/internal/store"
)

var overlayCmd = &cobra.Command{
	Use:   "overlay",
	Short: "Inspect a client's overlay",
}

var overlayInfoCmd = &cobra.Command{
	Use:   "info <client-dir>",
	Short: "Show the snapshot and inode counter of a client",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverlayInfo,
}

var overlayFsckCmd = &cobra.Command{
	Use:   "fsck <client-dir>",
	Short: "Validate every overlay record",
	Long: `Validate the header of every record in a client's overlay, and decode
every directory record. The client must not be in use.`,
	Args: cobra.ExactArgs(1),
	RunE: runOverlayFsck,
}

func init() {
	overlayCmd.AddCommand(overlayInfoCmd)
	overlayCmd.AddCommand(overlayFsckCmd)
	rootCmd.AddCommand(overlayCmd)
}

func runOverlayInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withClient(ctx, args[0], func(_ *store.BoltStore, m *inodes.Mount) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Client: %s\n", m.ClientDir())
		fmt.Fprintf(out, "Overlay: %s\n", m.Overlay().LocalDir())
		fmt.Fprintf(out, "Snapshot: %s\n", m.Snapshot())
		fmt.Fprintf(out, "Next inode number: %d\n", m.NextInodeNumber())
		fmt.Fprintf(out, "Root materialized: %v\n", m.Root().IsMaterialized())
		return nil
	})
}

func runOverlayFsck(cmd *cobra.Command, args []string) error {
	o := overlay.New(filepath.Join(args[0], inodes.OverlayDirName))
	next, clean, err := o.Open(false)
	if err != nil {
		return err
	}
	if !clean {
		if next, err = o.ScanForNextInodeNumber(); err != nil {
			o.Close(0)
			return err
		}
	}
	faults, err := o.Check()
	if cerr := o.Close(next); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	bad := color.New(color.FgRed)
	for _, f := range faults {
		bad.Fprintf(out, "inode %d: %s\n", f.Inode, f.Reason)
	}
	if len(faults) > 0 {
		return fmt.Errorf("%d corrupt record(s)", len(faults))
	}
	color.New(color.FgGreen).Fprintln(out, "ok")
	return nil
}
