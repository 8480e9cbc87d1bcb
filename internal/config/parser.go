// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/spf13/viper"
)

// Pipeline defaults, matching the layout produced by the plugin's Makefile and installer.
const (
	DefaultProjectDir   = "~/go/src/smartkey-kubernetes-kms"
	DefaultPackageDir   = "~/go/src"
	DefaultPackageFile  = "smartkey-kmsplugin_1.0-1_amd64.deb"
	DefaultPackageName  = "smartkey-kmsplugin"
	DefaultConfigDir    = "/etc/smartkey"
	DefaultManifestFile = "/etc/kubernetes/manifests/kube-apiserver.yaml"
	DefaultProviderName = "smartkey-test"
	DefaultEtcdEndpoint = "127.0.0.1:2379"
)

// Parser handles configuration file parsing.
type Parser struct {
	v         *viper.Viper
	overrides map[string]string
}

// NewParser creates a new configuration parser. overrides are process-level
// values (--set key=value) that win over the main file.
func NewParser(overrides map[string]string) *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v, overrides: overrides}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.Config, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.Config, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.Config, error) {
	r := NewResolver(p.v, p.overrides)
	if err := r.loadOverrideFile(); err != nil {
		return nil, err
	}

	cfg := &models.Config{
		Env:        r.Get("env"),
		ServerName: r.Get("server"),
	}

	if cfg.Env == "" {
		return nil, fmt.Errorf("env is required")
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("server is required")
	}

	// Parse the selected key-management environment.
	envKey := "environments." + cfg.Env + "."
	cfg.Environment = models.EnvironmentConfig{
		BaseURL: r.Get(envKey + "base_url"),
		APIURL:  r.Get(envKey + "api_url"),
		APIKey:  r.Get(envKey + "api_key"),
	}
	if cfg.Environment.APIURL == "" {
		return nil, fmt.Errorf("%sapi_url is required", envKey)
	}
	if cfg.Environment.APIKey == "" {
		return nil, fmt.Errorf("%sapi_key is required", envKey)
	}
	if cfg.Environment.BaseURL == "" {
		cfg.Environment.BaseURL = cfg.Environment.APIURL
	}

	// Parse the selected lab server.
	serverKey := "servers." + cfg.ServerName + "."
	cfg.Server = models.ServerConfig{
		Host:         r.Get(serverKey + "host"),
		Port:         r.GetInt(serverKey+"port", 22),
		Username:     r.Get(serverKey + "user"),
		Password:     r.Get(serverKey + "password"),
		IdentityFile: r.Get(serverKey + "identity_file"),
		Passphrase:   r.Get(serverKey + "passphrase"),
	}
	if cfg.Server.Host == "" {
		return nil, fmt.Errorf("%shost is required", serverKey)
	}
	if cfg.Server.Username == "" {
		cfg.Server.Username = "root"
	}

	// Parse optional WOL config for the server.
	if r.IsSet(serverKey + "wol") { //nolint:nestif // config parsing with defaults
		wolKey := serverKey + "wol."
		cfg.WOL = &models.WOLConfig{
			MACAddress:  r.Get(wolKey + "mac_address"),
			BroadcastIP: r.Get(wolKey + "broadcast_ip"),
		}
		if cfg.WOL.MACAddress == "" {
			return nil, fmt.Errorf("%smac_address is required when wol is configured", wolKey)
		}
		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}

		var err error
		if cfg.WOL.Timeout, err = r.GetDuration(wolKey+"timeout", 5*time.Minute); err != nil {
			return nil, err
		}
		if cfg.WOL.PollInterval, err = r.GetDuration(wolKey+"poll_interval", 10*time.Second); err != nil {
			return nil, err
		}
		if cfg.WOL.StabilizeWait, err = r.GetDuration(wolKey+"stabilize_wait", 10*time.Second); err != nil {
			return nil, err
		}
	}

	pipeline, err := parsePipeline(r)
	if err != nil {
		return nil, err
	}
	cfg.Pipeline = *pipeline

	cfg.Verify = models.VerifyConfig{
		Oracle:       valueOr(r.Get("verify.oracle"), models.OracleEtcdctl),
		EtcdEndpoint: valueOr(r.Get("verify.etcd_endpoint"), DefaultEtcdEndpoint),
		SecretName:   valueOr(r.Get("verify.secret_name"), "mysecret.equinix.com"),
		SecretKey:    valueOr(r.Get("verify.secret_key"), "es-engkey"),
		SecretValue:  valueOr(r.Get("verify.secret_value"), "equinixdata"),
	}
	validOracles := map[string]bool{models.OracleEtcdctl: true, models.OracleTunnel: true}
	if !validOracles[cfg.Verify.Oracle] {
		return nil, fmt.Errorf("verify.oracle must be one of: etcdctl, tunnel")
	}

	// Parse optional Telegram config.
	if r.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: r.Get("telegram.bot_token"),
			ChatID:   r.Get("telegram.chat_id"),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	return cfg, nil
}

func parsePipeline(r *Resolver) (*models.PipelineConfig, error) {
	pc := &models.PipelineConfig{
		ProjectDir:   valueOr(r.Get("pipeline.project_dir"), DefaultProjectDir),
		PackageDir:   valueOr(r.Get("pipeline.package_dir"), DefaultPackageDir),
		PackageFile:  valueOr(r.Get("pipeline.package_file"), DefaultPackageFile),
		PackageName:  valueOr(r.Get("pipeline.package_name"), DefaultPackageName),
		ConfigDir:    strings.TrimSuffix(valueOr(r.Get("pipeline.config_dir"), DefaultConfigDir), "/"),
		ManifestFile: valueOr(r.Get("pipeline.manifest_file"), DefaultManifestFile),
		ProviderName: valueOr(r.Get("pipeline.provider_name"), DefaultProviderName),
		StagingDir:   valueOr(r.Get("pipeline.staging_dir"), "/tmp"),
		Stages:       r.GetStringSlice("pipeline.stages"),
	}
	pc.ConfigFile = valueOr(r.Get("pipeline.config_file"), pc.ConfigDir+"/smartkey-grpc.conf")
	pc.SocketFile = valueOr(r.Get("pipeline.socket_file"), pc.ConfigDir+"/smartkey.socket")

	var err error
	if pc.ShellTimeout, err = r.GetDuration("pipeline.shell_timeout", 10*time.Second); err != nil {
		return nil, err
	}
	if pc.TestTimeout, err = r.GetDuration("pipeline.test_timeout", 5*time.Minute); err != nil {
		return nil, err
	}
	if pc.BuildTimeout, err = r.GetDuration("pipeline.build_timeout", 2*time.Minute); err != nil {
		return nil, err
	}
	if pc.ReloadWait, err = r.GetDuration("pipeline.reload_wait", 5*time.Second); err != nil {
		return nil, err
	}
	if pc.StartWait, err = r.GetDuration("pipeline.start_wait", 5*time.Second); err != nil {
		return nil, err
	}

	for _, name := range pc.Stages {
		if !slices.Contains(models.AllStages, name) {
			return nil, fmt.Errorf("pipeline.stages: unknown stage %q (valid: %s)", name, strings.Join(models.AllStages, ", "))
		}
	}

	return pc, nil
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Environment.APIURL == "" {
		return fmt.Errorf("environment api_url is required")
	}

	if cfg.Environment.APIKey == "" {
		return fmt.Errorf("environment api_key is required")
	}

	if cfg.Server.Host == "" {
		return fmt.Errorf("server host is required")
	}

	if cfg.Server.Password == "" && cfg.Server.IdentityFile == "" {
		return fmt.Errorf("server %q: the 'password' or 'identity_file' property must be defined", cfg.ServerName)
	}

	if cfg.Pipeline.ShellTimeout <= 0 {
		return fmt.Errorf("pipeline.shell_timeout must be positive")
	}

	return nil
}
