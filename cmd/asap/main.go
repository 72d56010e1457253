// Command asap drives the insurance-case document transmission
// pipeline: exporting released case images, building carrier index
// files, staging and transmitting them, and reconciling what the
// carriers confirm back.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/logging"
	"github.com/ilsys/asap/internal/telemetry"
)

// version is stamped by the build.
var version = "dev"

var (
	configPath string
	verbose    bool
	closeLog   func() error
)

var rootCmd = &cobra.Command{
	Use:           "asap",
	Short:         "Insurance-case document transmission pipeline",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			config.SetConfigFile(configPath)
		}
		if err := config.Initialize(); err != nil {
			return err
		}
		logCfg := config.Logging()
		if verbose {
			logCfg.Level = "debug"
		}
		closer, err := logging.Init(logCfg)
		if err != nil {
			return err
		}
		closeLog = closer
		return telemetry.Init(cmd.Context(), "asap", version)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default: ./asap.yaml, ~/.asap/asap.yaml, /etc/asap/asap.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.WithError(err).Error("command failed")
		stop()
		os.Exit(1)
	}
}
