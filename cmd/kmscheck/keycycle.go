package main

import (
	"github.com/fgeck/kmscheck/internal/services/kms"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var keycycleCmd = &cobra.Command{
	Use:   "keycycle",
	Short: "Run one key transaction against the key-management API",
	Long: `Create an AES key, encrypt and decrypt a sample value with it and delete
the key again. Nothing on the lab host is touched.`,
	RunE: runKeyCycle,
}

func runKeyCycle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := kms.New(log.Logger, cfg.Environment)
	if err := client.Authenticate(ctx); err != nil {
		log.Error().Err(err).Str("env", cfg.Env).Msg("authentication failed")
		return err
	}

	material, err := client.GenerateAESKeyCycle(ctx)
	if err != nil {
		log.Error().Err(err).Msg("key transaction failed")
		return err
	}

	log.Info().
		Str("kid", material.KeyID).
		Str("iv", material.IV).
		Msg("key transaction completed, key deleted")
	return nil
}
