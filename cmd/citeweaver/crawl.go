package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alvmarrod/cite-weaver/internal/backoff"
	"github.com/alvmarrod/cite-weaver/internal/config"
	"github.com/alvmarrod/cite-weaver/internal/crawler"
	"github.com/alvmarrod/cite-weaver/internal/fetch"
	"github.com/alvmarrod/cite-weaver/internal/metrics"
	"github.com/alvmarrod/cite-weaver/internal/parser"
	"github.com/alvmarrod/cite-weaver/internal/session"
	"github.com/alvmarrod/cite-weaver/internal/storage"
)

const progressInterval = 10 * time.Second

// NewCrawlCmd creates the crawl command.
func NewCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the citation tree of a paper",
		Long: `Crawl fetches the cited-by listing of a paper and expands every citing
paper depth-first until the depth limit is reached.

Examples:
  # Start a new crawl from a cited-by listing
  citeweaver crawl --url "https://scholar.google.com/scholar?cites=123456789" --depth 2

  # Use the production preset and skip throttled listings instead of waiting
  citeweaver crawl --preset production --skip-throttle --url "..."

  # Continue an interrupted crawl
  citeweaver crawl --resume 3f2c...

When a challenge page appears and --pause-on-challenge is set, solve it in a
browser and send SIGUSR1 to continue:
  kill -USR1 <pid>`,
		Args: cobra.NoArgs,
		RunE: runCrawlCmd,
	}

	cmd.Flags().StringP("url", "u", "", "Cited-by listing URL of the root paper")
	cmd.Flags().IntP("depth", "d", 0, "Maximum crawl depth (default from config)")
	cmd.Flags().IntP("max-papers", "p", 0, "Maximum citing papers expanded per listing (default from config)")
	cmd.Flags().StringP("resume", "r", "", "Resume the given session instead of starting a new one")
	cmd.Flags().Bool("skip-throttle", false, "Skip throttled listings instead of backing off and retrying")
	cmd.Flags().Bool("pause-on-challenge", false, "Pause on challenge pages until SIGUSR1 instead of skipping them")
	cmd.Flags().Duration("timeout", 0, "Overall crawl time budget (0 means unbounded)")
	cmd.Flags().Int("checkpoint-interval", 0, "Requests between checkpoints (default from config)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().String("metrics-file", "", "Write crawl metrics to this JSON file on exit")
	cmd.Flags().StringP("output", "o", "", "Export the session to this file when the crawl ends")
	cmd.Flags().StringP("format", "f", "", "Export format: json, csv, text or markdown (default from --output extension)")

	return cmd
}

// applyCrawlFlags overrides config values with explicitly set crawl flags.
func applyCrawlFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if v, _ := flags.GetString("url"); v != "" {
		cfg.RootURL = v
	}
	if flags.Changed("depth") {
		cfg.MaxDepth, _ = flags.GetInt("depth")
	}
	if flags.Changed("max-papers") {
		cfg.MaxPapersPerLevel, _ = flags.GetInt("max-papers")
	}
	if skip, _ := flags.GetBool("skip-throttle"); skip {
		cfg.ThrottlePolicy = string(backoff.ThrottleSkip)
	}
	if pause, _ := flags.GetBool("pause-on-challenge"); pause {
		cfg.ChallengePolicy = string(backoff.ChallengePause)
	}
	if flags.Changed("timeout") {
		d, _ := flags.GetDuration("timeout")
		cfg.RunTimeoutMs = int(d.Milliseconds())
	}
	if flags.Changed("checkpoint-interval") {
		cfg.CheckpointInterval, _ = flags.GetInt("checkpoint-interval")
	}
	if v, _ := flags.GetString("metrics-file"); v != "" {
		cfg.MetricsPath = v
	}
}

// exportTarget resolves --output and --format.
func exportTarget(cmd *cobra.Command) (string, session.Format, error) {
	output, _ := cmd.Flags().GetString("output")
	name, _ := cmd.Flags().GetString("format")
	switch {
	case name != "":
	case output != "" && filepath.Ext(output) != "":
		name = filepath.Ext(output)
	default:
		name = string(session.FormatJSON)
	}
	format, err := session.ParseFormat(name)
	return output, format, err
}

// runCrawlCmd executes the crawl command.
func runCrawlCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyCrawlFlags(cmd, cfg)
	output, format, err := exportTarget(cmd)
	if err != nil {
		return err
	}

	resumeID, _ := cmd.Flags().GetString("resume")
	if resumeID == "" {
		err = cfg.Validate()
	} else {
		err = cfg.ValidateTuning()
	}
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var state *storage.SessionState
	sessionID := resumeID
	if resumeID != "" {
		state, err = store.Load(ctx, resumeID)
		if err != nil {
			return err
		}
		logrus.Infof("Resuming session %s (%d requests so far, root %s)", state.SessionID, state.RequestCount, state.RootURL)
	} else {
		sessionID = session.NewID()
		logrus.Infof("Starting session %s: root=%s, depth=%d, max_papers=%d",
			sessionID, cfg.RootURL, cfg.MaxDepth, cfg.MaxPapersPerLevel)
	}

	log := logrus.WithField("session_id", sessionID)
	client, err := fetch.NewClient(fetch.Options{
		UserAgent:      cfg.UserAgent,
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         log,
	})
	if err != nil {
		return err
	}
	tracker := metrics.NewTracker()

	resumeCh := make(chan struct{}, 1)
	stopSignals := handleSignals(cancel, resumeCh, func() {
		if cfg.MetricsPath == "" {
			return
		}
		if err := tracker.WriteToFile(cfg.MetricsPath, nil); err != nil {
			logrus.Errorf("Emergency metrics save failed: %v", err)
		}
	})
	defer stopSignals()

	builder := crawler.NewBuilder(cfg, client, parser.Scholar{Log: log}, store,
		crawler.WithObserver(tracker),
		crawler.WithLogger(logrus.NewEntry(logrus.StandardLogger())),
		crawler.WithResumeSignal(resumeCh),
		crawler.WithSessionID(sessionID),
	)

	var (
		tree     *storage.CitationNode
		report   *storage.CrawlReport
		crawlErr error
	)
	crawlDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(crawlDone)
		if state != nil {
			tree, report, crawlErr = builder.Resume(gctx, state)
		} else {
			tree, report, crawlErr = builder.Run(gctx, cfg.RootURL)
		}
		return nil
	})

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tracker.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logrus.Infof("Serving metrics on %s/metrics", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-crawlDone
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logrus.Info(tracker.LogProgress())
			case <-crawlDone:
				return nil
			}
		}
	})

	groupErr := g.Wait()

	logrus.Info("Step 1/3: Writing final metrics...")
	logrus.Info("Final stats: " + tracker.LogProgress())
	if cfg.MetricsPath != "" {
		if err := tracker.WriteToFile(cfg.MetricsPath, report); err != nil {
			logrus.Errorf("Failed to write metrics: %v", err)
		} else {
			logrus.Infof("Metrics written to %s", cfg.MetricsPath)
		}
	}

	logrus.Info("Step 2/3: Exporting session...")
	if output != "" && report != nil {
		if err := exportSession(context.WithoutCancel(ctx), store, report.SessionID, format, output); err != nil {
			logrus.Errorf("Failed to export session: %v", err)
		} else {
			logrus.Infof("Session exported to %s", output)
		}
	}

	if report != nil {
		if err := printReport(cmd.OutOrStdout(), tree, report); err != nil {
			return err
		}
	}
	logrus.Info("Step 3/3: Closing session store...")

	if groupErr != nil {
		return groupErr
	}
	switch {
	case crawlErr == nil:
		return nil
	case errors.Is(crawlErr, context.Canceled), errors.Is(crawlErr, crawler.ErrRunTimeout):
		if report != nil {
			logrus.Infof("Crawl stopped early; continue with: citeweaver crawl --resume %s", report.SessionID)
		}
		return nil
	default:
		return fmt.Errorf("crawl failed: %w", crawlErr)
	}
}

// exportSession writes a stored session to path, creating parent directories.
func exportSession(ctx context.Context, store *session.Store, id string, format session.Format, path string) error {
	data, err := store.Export(ctx, id, format)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}
