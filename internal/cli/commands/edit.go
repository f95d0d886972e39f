package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"treefs/internal/common"
	"treefs/internal/inodes"
	"treefs/internal/store"
)

var (
	writeAppend  bool
	mkdirParents bool
)

var writeCmd = &cobra.Command{
	Use:   "write <client-dir> <path> [content]",
	Short: "Write a file in the working copy",
	Long: `Create or replace a file in a client's working copy. Content is read from
stdin when not given as an argument.

Examples:
  treefs write ~/clients/work docs/notes.txt "hello"
  echo hello | treefs write ~/clients/work docs/notes.txt --append`,
	Args: cobra.RangeArgs(2, 3),
	RunE: runWrite,
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <client-dir> <path>",
	Short: "Create a directory in the working copy",
	Args:  cobra.ExactArgs(2),
	RunE:  runMkdir,
}

var rmCmd = &cobra.Command{
	Use:   "rm <client-dir> <path>",
	Short: "Remove a file or an empty directory from the working copy",
	Args:  cobra.ExactArgs(2),
	RunE:  runRm,
}

var mvCmd = &cobra.Command{
	Use:   "mv <client-dir> <src> <dst>",
	Short: "Rename a file or directory in the working copy",
	Args:  cobra.ExactArgs(3),
	RunE:  runMv,
}

var catCmd = &cobra.Command{
	Use:   "cat <client-dir> <path>",
	Short: "Print a file from the working copy",
	Args:  cobra.ExactArgs(2),
	RunE:  runCat,
}

func init() {
	writeCmd.Flags().BoolVarP(&writeAppend, "append", "a", false, "Append instead of replacing")
	mkdirCmd.Flags().BoolVarP(&mkdirParents, "parents", "p", false, "Create missing parent directories")
	rootCmd.AddCommand(writeCmd, mkdirCmd, rmCmd, mvCmd, catCmd)
}

func runWrite(cmd *cobra.Command, args []string) error {
	var data []byte
	if len(args) == 3 {
		data = []byte(args[2])
	} else {
		var err error
		if data, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}
	ctx := cmd.Context()
	return withClient(ctx, args[0], func(_ *store.BoltStore, m *inodes.Mount) error {
		dir, name, err := m.ParentDir(ctx, args[1])
		if err != nil {
			return err
		}
		f, err := dir.Create(ctx, name, 0644, false)
		if err != nil {
			return err
		}
		var off int64
		if writeAppend {
			attr, err := f.Getattr(ctx)
			if err != nil {
				return err
			}
			off = attr.Size
		} else if err := f.Truncate(ctx, 0); err != nil {
			return err
		}
		_, err = f.Write(ctx, data, off)
		return err
	})
}

func runMkdir(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withClient(ctx, args[0], func(_ *store.BoltStore, m *inodes.Mount) error {
		parts, err := common.SplitPath(args[1])
		if err != nil {
			return err
		}
		if len(parts) == 0 {
			return fmt.Errorf("%q: %w", args[1], common.ErrInvalidPath)
		}
		if !mkdirParents {
			dir, name, err := m.ParentDir(ctx, args[1])
			if err != nil {
				return err
			}
			_, err = dir.Mkdir(ctx, name, 0755)
			return err
		}
		dir := m.Root()
		for _, name := range parts {
			next, err := dir.Mkdir(ctx, name, 0755)
			if err == nil {
				dir = next
				continue
			}
			if !errors.Is(err, common.ErrExists) {
				return err
			}
			n, err := dir.Lookup(ctx, name)
			if err != nil {
				return err
			}
			existing, ok := n.(*inodes.TreeInode)
			if !ok {
				return fmt.Errorf("%s: %w", name, common.ErrNotDir)
			}
			dir = existing
		}
		return nil
	})
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withClient(ctx, args[0], func(_ *store.BoltStore, m *inodes.Mount) error {
		dir, name, err := m.ParentDir(ctx, args[1])
		if err != nil {
			return err
		}
		n, err := dir.Lookup(ctx, name)
		if err != nil {
			return err
		}
		if _, ok := n.(*inodes.TreeInode); ok {
			return dir.Rmdir(ctx, name)
		}
		return dir.Unlink(ctx, name)
	})
}

func runMv(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withClient(ctx, args[0], func(_ *store.BoltStore, m *inodes.Mount) error {
		src, srcName, err := m.ParentDir(ctx, args[1])
		if err != nil {
			return err
		}
		dst, dstName, err := m.ParentDir(ctx, args[2])
		if err != nil {
			return err
		}
		return src.Rename(ctx, srcName, dst, dstName)
	})
}

func runCat(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	return withClient(ctx, args[0], func(_ *store.BoltStore, m *inodes.Mount) error {
		n, err := m.ResolvePath(ctx, args[1])
		if err != nil {
			return err
		}
		f, ok := n.(*inodes.FileInode)
		if !ok {
			return fmt.Errorf("%s: %w", args[1], common.ErrIsDir)
		}
		data, err := f.ReadAll(ctx)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	})
}
