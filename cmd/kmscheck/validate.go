package main

import (
	"fmt"
	"strings"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without connecting to the lab host or the key-management API.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Environment: %s (%s)\n", cfg.Env, cfg.Environment.APIURL)
	fmt.Printf("  Plugin URL: %s\n", cfg.Environment.BaseURL)
	fmt.Printf("  Server: %s (%s@%s:%d)\n", cfg.ServerName, cfg.Server.Username, cfg.Server.Host, cfg.Server.Port)
	if cfg.Server.Password != "" {
		fmt.Println("  Auth: password")
	} else {
		fmt.Printf("  Auth: identity file %s\n", cfg.Server.IdentityFile)
	}
	fmt.Println()
	fmt.Println("Pipeline:")
	stages := cfg.Pipeline.Stages
	if len(stages) == 0 {
		stages = models.AllStages
	}
	fmt.Printf("  Stages: %s\n", strings.Join(stages, ", "))
	fmt.Printf("  Project dir: %s\n", cfg.Pipeline.ProjectDir)
	fmt.Printf("  Package: %s/%s\n", cfg.Pipeline.PackageDir, cfg.Pipeline.PackageFile)
	fmt.Printf("  Plugin config: %s\n", cfg.Pipeline.ConfigFile)
	fmt.Printf("  Manifest: %s\n", cfg.Pipeline.ManifestFile)
	fmt.Printf("  Provider: %s\n", cfg.Pipeline.ProviderName)
	fmt.Println()
	fmt.Println("Verification:")
	fmt.Printf("  Oracle: %s\n", cfg.Verify.Oracle)
	if cfg.Verify.Oracle == models.OracleTunnel {
		fmt.Printf("  Etcd endpoint: %s\n", cfg.Verify.EtcdEndpoint)
	}
	fmt.Printf("  Secret: %s (%s)\n", cfg.Verify.SecretName, cfg.Verify.SecretKey)
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		fmt.Printf("  Timeout: %s\n", cfg.WOL.Timeout)
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	return nil
}
