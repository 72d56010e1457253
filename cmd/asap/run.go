package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/recon"
	"github.com/ilsys/asap/internal/runlock"
	"github.com/ilsys/asap/internal/types"
)

var watchMode bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline once, or continuously with --watch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		lock, err := acquireRunLock()
		if err != nil {
			return err
		}
		defer lock.Unlock()

		if !watchMode {
			return runOnce(ctx, a)
		}
		return watchLoop(ctx, a)
	},
}

func init() {
	runCmd.Flags().BoolVar(&watchMode, "watch", false,
		"Keep running: rerun on an interval and reconcile when carrier feeds arrive")
	rootCmd.AddCommand(runCmd)
}

func acquireRunLock() (*runlock.Lock, error) {
	dir := config.GetString("lock-dir")
	if dir == "" {
		dir = os.TempDir()
	}
	lock, err := runlock.Acquire(dir)
	if err != nil {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}
	return lock, nil
}

func runOnce(ctx context.Context, a *app) error {
	summary, err := a.sched.Run(ctx)
	if err != nil {
		return err
	}
	a.metrics.RecordRun(ctx, summary.Exported, summary.Indexed, summary.Staged,
		len(summary.Errors), summary.Duration)
	fmt.Print(renderRunSummary(summary))
	return nil
}

// watchLoop reruns the pipeline on the configured interval and triggers
// a carrier's recon pass when a feed file lands in its inbox.
func watchLoop(ctx context.Context, a *app) error {
	interval := config.GetDuration("run-interval")
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	contacts, err := a.store.Contacts(ctx)
	if err != nil {
		return err
	}
	watched := make(map[string]*types.Contact)
	for _, c := range contacts {
		if p := a.registry.ProfileFor(c); p == nil || p.Recon.Format == "" {
			continue
		}
		dir := recon.ReconDir(c)
		if err := watcher.Add(dir); err != nil {
			log.WithError(err).WithField("dir", dir).Warn("unable to watch recon inbox")
			continue
		}
		watched[dir] = c
		log.WithFields(log.Fields{"contact": c.ContactID, "dir": dir}).Info("watching recon inbox")
	}

	if err := runOnce(ctx, a); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	// feed drops arrive in bursts; debounce per inbox
	const debounce = 2 * time.Second
	due := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down watch mode")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			dir := filepath.Dir(ev.Name)
			if _, known := watched[dir]; known {
				due[dir] = time.Now().Add(debounce)
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(werr).Warn("recon inbox watcher error")
		case now := <-poll.C:
			for dir, at := range due {
				if now.Before(at) {
					continue
				}
				delete(due, dir)
				contact := watched[dir]
				summary, err := runRecon(ctx, a, contact, time.Time{})
				if err != nil {
					log.WithError(err).WithField("contact", contact.ContactID).
						Error("reconciliation pass failed")
					continue
				}
				fmt.Print(renderReconSummary(contact, summary))
			}
		case <-ticker.C:
			if err := runOnce(ctx, a); err != nil {
				log.WithError(err).Error("scheduled run failed")
			}
		}
	}
}
