package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/masa-finance/timeline-harvester/internal/api"
	"github.com/masa-finance/timeline-harvester/internal/config"
	"github.com/masa-finance/timeline-harvester/internal/dataset"
	"github.com/masa-finance/timeline-harvester/internal/driver"
	"github.com/masa-finance/timeline-harvester/internal/driver/browser"
	"github.com/masa-finance/timeline-harvester/internal/driver/feed"
	"github.com/masa-finance/timeline-harvester/internal/harvest"
	"github.com/masa-finance/timeline-harvester/internal/jobserver"
	"github.com/masa-finance/timeline-harvester/internal/ledger"
	"github.com/masa-finance/timeline-harvester/internal/session"
	"github.com/masa-finance/timeline-harvester/internal/targets"
	"github.com/masa-finance/timeline-harvester/internal/window"
)

var runOpts struct {
	input string
	serve bool
	reset bool
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.input, "input", "", "Run input file (JSON or JSON5). Defaults to INPUT_PATH or DATA_DIR/INPUT.json.")
	f.BoolVar(&runOpts.serve, "serve", false, "Keep serving the control plane after the queue drains.")
	f.BoolVar(&runOpts.reset, "reset", false, "Forget the saved ledger and start from scratch.")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [--input <path>] [--serve] [--reset]",
	Short: "Harvests the targets of the run input until the queue drains.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		jc := config.ReadConfig()
		if runOpts.input != "" {
			jc["input_path"] = runOpts.input
		}
		return run(cmd.Context(), jc)
	},
}

func run(ctx context.Context, jc config.JobConfiguration) error {
	in, err := config.LoadInput(jc.GetString("input_path", ""))
	if err != nil {
		return err
	}
	win, err := window.New(in.FromDate, in.ToDate)
	if err != nil {
		return err
	}

	store, err := ledger.OpenSQLite(jc.GetString("ledger_path", ""))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logrus.WithError(err).Warn("Closing ledger store")
		}
	}()

	flushSize, _ := jc.GetInt("dataset_flush_size", 50)
	writer, err := dataset.Open(jc.GetString("dataset_path", ""), flushSize)
	if err != nil {
		return err
	}
	defer func() {
		if err := writer.Close(); err != nil {
			logrus.WithError(err).Error("Closing dataset")
		}
	}()

	sessions := session.NewManager(session.Options{
		Config:         jc.GetSessionConfig(),
		InitialCookies: in.InitialCookies,
	})
	workers, _ := jc.GetInt("max_jobs", 4)
	if sessions.LoggedIn() && workers > 1 {
		logrus.Infof("Logged in sessions share one identity, running 1 worker instead of %d", workers)
		workers = 1
	}

	jobServer := jobserver.NewJobServer(workers, jc)
	defer jobServer.Shutdown()
	runID := uuid.NewString()
	jobServer.Stats().SetRunID(runID)

	l := ledger.New(in.TweetsDesired)
	checkpointer := ledger.NewCheckpointer(l, store,
		ledger.WithInterval(jc.GetDuration("checkpoint_interval_seconds", 60)),
		ledger.WithFlusher(writer),
		ledger.WithStats(jobServer.Stats()),
	)
	if runOpts.reset {
		if err := checkpointer.Reset(ctx); err != nil {
			return err
		}
	} else if err := checkpointer.Resume(ctx); err != nil {
		logrus.WithError(err).Warn("Starting with an empty ledger")
	}

	classifier, err := targets.New(targets.OptionsFromInput(in))
	if err != nil {
		return err
	}
	adder := targets.NewAdder(classifier, jobServer.Discovered())

	drv, closeDriver, err := newDriver(jc, sessions)
	if err != nil {
		return err
	}
	defer closeDriver()

	harvester, err := harvest.New(harvest.Options{
		Driver:       drv,
		Ledger:       l,
		Sink:         writer,
		Stats:        jobServer.Stats(),
		Window:       win,
		IncludeUser:  in.IncludeUser(),
		OutputScript: in.ExtendOutputFunction,
		HookScript:   in.ExtendScraperFunction,
		HookHelpers:  adder.Helpers(),
		CustomData:   in.CustomData,
		IdleTimeout:  jc.GetDuration("idle_timeout_seconds", 48),
		MaxDuration:  jc.GetDuration("max_session_seconds", 3600),
	})
	if err != nil {
		return err
	}
	jobServer.SetProcessor(harvester)

	items, invalid := classifier.ClassifyInput(in)
	for _, err := range invalid {
		logrus.WithError(err).Warn("Skipping seed")
	}
	if _, err := jobServer.Enqueue(items...); err != nil {
		logrus.WithError(err).Warn("Some seeds could not be queued")
	}
	logrus.WithFields(logrus.Fields{
		"run_id":  runID,
		"items":   len(items),
		"budget":  in.TweetsDesired,
		"window":  win.String(),
		"workers": workers,
	}).Info("Starting harvest")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := jobServer.Run(runCtx); err != nil {
			logrus.WithError(err).Error("Job server stopped")
			cancel()
		}
	}()
	go checkpointer.Run(runCtx)
	go func() {
		err := api.Start(runCtx, jc.ListenAddress(), jc, api.Deps{
			JobServer:    jobServer,
			Classifier:   classifier,
			Checkpointer: checkpointer,
		})
		if err != nil {
			logrus.WithError(err).Error("Control plane stopped")
		}
	}()

	waitErr := jobServer.Wait(runCtx)
	if waitErr == nil {
		logrus.Infof("Queue drained, %d records written", writer.Pushed())
		if runOpts.serve {
			logrus.Info("Serving until interrupted")
			<-runCtx.Done()
		}
	} else {
		logrus.Info("Interrupted, saving progress")
	}

	// Sessions still running resolve as cancelled and stay queued for the
	// next run. Their records must be in the ledger before it is saved.
	cancel()
	select {
	case <-workersDone:
	case <-time.After(time.Minute):
		logrus.Warn("Workers did not stop in time")
	}

	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer finalCancel()
	if err := checkpointer.Checkpoint(finalCtx); err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	if errors.Is(waitErr, context.Canceled) {
		return nil
	}
	return waitErr
}

// newDriver picks the feed driver when a feed url is configured and the
// browser otherwise.
func newDriver(jc config.JobConfiguration, sessions *session.Manager) (harvest.Driver, func(), error) {
	perMinute, _ := jc.GetInt("navigations_per_minute", 20)
	limiter := driver.NewLimiter(perMinute)

	baseURL := jc.GetString("feed_base_url", "")
	if jc.GetString("driver", "") == "feed" || baseURL != "" {
		maxPages, _ := jc.GetInt("feed_max_pages", 0)
		d, err := feed.New(feed.Options{
			BaseURL:  baseURL,
			Sessions: sessions,
			Limiter:  limiter,
			MaxPages: maxPages,
		})
		if err != nil {
			return nil, nil, err
		}
		logrus.Infof("Harvesting from the feed at %s", baseURL)
		return d, func() {}, nil
	}

	d := browser.New(browser.Options{
		RemoteURL: jc.GetString("browser_remote_url", ""),
		Headless:  jc.GetBool("browser_headless", true),
		Sessions:  sessions,
		Limiter:   limiter,
	})
	if err := d.Start(); err != nil {
		return nil, nil, err
	}
	return d, func() {
		if err := d.Close(); err != nil {
			logrus.WithError(err).Warn("Closing browser")
		}
	}, nil
}
