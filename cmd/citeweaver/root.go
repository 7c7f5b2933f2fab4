// Package main provides the entry point for the cite-weaver CLI.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/alvmarrod/cite-weaver/internal/config"
	"github.com/alvmarrod/cite-weaver/internal/session"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "citeweaver",
		Short: "Build citation trees from scholarly cited-by listings",
		Long: `citeweaver walks the "cited by" listings of a paper depth-first and records
who cites whom as a tree. Crawls are paced politely, back off when throttled,
and checkpoint to a session store so they can be resumed later.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			setupLogger(verbose)
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.StringP("config", "c", "", "Configuration file (JSON or YAML)")
	pf.String("preset", "", fmt.Sprintf("Configuration preset (%s)", strings.Join(config.PresetNames(), ", ")))
	pf.String("store", "", "Session store backend: sqlite or file")
	pf.String("db", "", "SQLite session database path")
	pf.String("session-dir", "", "Directory for the file session store")

	cmd.AddCommand(NewCrawlCmd())
	cmd.AddCommand(NewSessionsCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) {
	logrus.SetLevel(logrus.InfoLevel)
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// loadConfig builds the configuration from the config file, the preset and
// the global store flags, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}
	if name, _ := flags.GetString("preset"); name != "" {
		if err := cfg.ApplyPreset(name); err != nil {
			return nil, err
		}
	}
	if v, _ := flags.GetString("store"); v != "" {
		cfg.Store = v
	}
	if v, _ := flags.GetString("db"); v != "" {
		cfg.DBPath = v
	}
	if v, _ := flags.GetString("session-dir"); v != "" {
		cfg.SessionDir = v
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*session.Store, error) {
	store, err := session.Open(cfg, logrus.NewEntry(logrus.StandardLogger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return store, nil
}
