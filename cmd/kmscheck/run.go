package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/kmscheck/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the plugin pipeline on the lab host",
	Long: `Run the complete validation workflow:
1. Authenticate against the key-management API
2. Wake-on-LAN (if configured)
3. Connect to the lab host
4. Run the pipeline stages: build, install, package, install-package, configure
5. Send Telegram notification (if configured)

Use --set pipeline.stages=build,install to run a subset of the stages.`,
	RunE: runPipeline,
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("env", cfg.Env).
		Str("server", cfg.ServerName).
		Msg("configuration loaded")

	ctx, cancel := signalContext()
	defer cancel()

	report, err := runner.New(log.Logger).Run(ctx, cfg)
	for _, st := range report.Stages {
		ev := log.Info()
		if st.Error != nil {
			ev = log.Error().Err(st.Error)
		}
		ev.Str("stage", st.Name).Dur("duration", st.Duration).Msg("stage result")
	}
	if err != nil {
		log.Error().Err(err).Str("failed", report.FailedStage).Msg("validation failed")
		return err
	}

	log.Info().Dur("duration", report.Duration).Msg("validation completed successfully")
	return nil
}
