// Copyright 2024 TreeFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"treefs/internal/config"
	"treefs/internal/inodes"
	"treefs/internal/model"
	"treefs/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Cache sizes for the store wrapped around the bolt database.
const (
	cachedTrees = 4096
	cachedBlobs = 1024
)

var (
	logLevelFlag  string
	storePathFlag string

	settings *config.Settings
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "treefs",
	Short: "Writable working copies over a content-addressed tree store",
	Long: `Writable working copies over a content-addressed tree store.

A client directory projects one snapshot of the store. Files and directories
are read from the store until they are modified; modified state lives in the
client's overlay and survives restarts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := config.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		s, err := config.Load()
		if err != nil {
			return err
		}
		if logLevelFlag != "" {
			s.LogLevel = logLevelFlag
		}
		if storePathFlag != "" {
			s.StorePath = storePathFlag
		}
		config.ConfigureLogging(s.LogLevel, os.Stderr)
		settings = s
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("treefs version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: trace, debug, info, warn, off (default from settings)")
	rootCmd.PersistentFlags().StringVar(&storePathFlag, "store", "", "Object store database (default from settings)")
}

// Execute runs the root command. An interrupt cancels the running
// operation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// openStore opens the configured object store.
func openStore(ctx context.Context) (*store.BoltStore, error) {
	return store.OpenBolt(ctx, settings.ResolvedStorePath())
}

// withClient opens an existing client on the configured store, runs fn and
// closes the client cleanly.
func withClient(ctx context.Context, clientDir string, fn func(*store.BoltStore, *inodes.Mount) error) (err error) {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := inodes.Open(ctx, inodes.Options{
		ClientDir: clientDir,
		Store:     store.NewCachingStore(st, cachedTrees, cachedBlobs),
	})
	if err != nil {
		return fmt.Errorf("failed to open client %s: %w", clientDir, err)
	}
	defer func() {
		if cerr := m.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(st, m)
}

// resolveRev resolves rev against st; an empty rev yields fallback.
func resolveRev(st *store.BoltStore, rev string, fallback model.Hash) (model.Hash, error) {
	if rev == "" {
		return fallback, nil
	}
	h, err := st.ResolveRev(rev)
	if err != nil {
		return model.Hash{}, fmt.Errorf("unknown revision %q: %w", rev, err)
	}
	return h, nil
}
