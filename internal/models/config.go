// Package models contains the data structures used throughout kmscheck.
package models

import "time"

// Config holds the complete configuration for a validation run.
type Config struct {
	Env         string
	ServerName  string
	Environment EnvironmentConfig
	Server      ServerConfig
	Pipeline    PipelineConfig
	Verify      VerifyConfig
	WOL         *WOLConfig      // nil if not configured
	Telegram    *TelegramConfig // nil if not configured
}

// EnvironmentConfig describes one key-management environment.
type EnvironmentConfig struct {
	BaseURL string // written into the plugin config as smartkeyURL
	APIURL  string // base URL of the key-management REST API
	APIKey  string
}

// ServerConfig holds the connection settings of the lab host.
type ServerConfig struct {
	Host         string
	Port         int
	Username     string
	Password     string // exactly one of Password / IdentityFile
	IdentityFile string // may be "$NAME" to read the path from the environment
	Passphrase   string // optional, for encrypted identity files
}

// PipelineConfig holds the remote paths and timings used by the stages.
type PipelineConfig struct {
	ProjectDir   string
	PackageDir   string
	PackageFile  string
	PackageName  string
	ConfigDir    string
	ConfigFile   string
	SocketFile   string
	ManifestFile string
	ProviderName string
	StagingDir   string
	ShellTimeout time.Duration // default bound for interactive commands
	TestTimeout  time.Duration // bound for "make test"
	BuildTimeout time.Duration // bound for "make build" and other slow shell commands
	ReloadWait   time.Duration // wait for the control plane to pick up a new manifest
	StartWait    time.Duration // how long the plugin binary runs in the foreground check
	Stages       []string      // optional subset; execution order is always fixed
}

// VerifyConfig configures the encryption verification oracle.
type VerifyConfig struct {
	Oracle       string // "etcdctl" (default) or "tunnel"
	EtcdEndpoint string
	SecretName   string
	SecretKey    string
	SecretValue  string
}
