package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"treefs/internal/common"
	"treefs/internal/inodes"
	"treefs/internal/model"
	"treefs/internal/overlay"
	"treefs/internal/store"
)

var importRef string

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Import a directory into the object store",
	Long: `Hash a directory into blobs and trees and add them to the object store.

Prints the root tree hash. With --ref the hash is also recorded under a name
that clone, status and checkout accept in place of the hash.

Examples:
  treefs import ~/src/project
  treefs import ~/src/project --ref main`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var cloneCmd = &cobra.Command{
	Use:   "clone <rev> <client-dir>",
	Short: "Create a client projecting a tree",
	Long: `Create a new client directory whose working copy starts at the given
tree. rev is a 40 character tree hash or a ref name.

Examples:
  treefs clone main ~/clients/work`,
	Args: cobra.ExactArgs(2),
	RunE: runClone,
}

func init() {
	importCmd.Flags().StringVar(&importRef, "ref", "", "Record the imported tree under this name")
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(cloneCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	hash, err := store.ImportFS(ctx, osfs.New(dir), "/", st, store.DefaultImportSkip...)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	if importRef != "" {
		if err := st.SetRef(importRef, hash); err != nil {
			return fmt.Errorf("failed to set ref %q: %w", importRef, err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}

func runClone(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	clientDir, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if overlay.New(filepath.Join(clientDir, inodes.OverlayDirName)).Exists() {
		return fmt.Errorf("%s is already a client: %w", clientDir, common.ErrExists)
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	hash, err := resolveRev(st, args[0], model.Hash{})
	if err != nil {
		return err
	}
	// Fail before creating anything if the tree is missing.
	if _, err := st.GetTree(ctx, hash); err != nil {
		return err
	}

	m, err := inodes.Open(ctx, inodes.Options{
		ClientDir:       clientDir,
		Store:           st,
		InitialSnapshot: hash,
		CreateIfMissing: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	if err := m.Close(); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Client: %s\n", clientDir)
	fmt.Fprintf(out, "Snapshot: %s\n", hash)
	return nil
}
