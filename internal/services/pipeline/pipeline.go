// Package pipeline builds, packages, installs and configures the KMS plugin
// on the lab host and checks that secrets end up encrypted at rest.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/fgeck/kmscheck/internal/services/etcd"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Names and markers produced by the plugin's build and install tooling.
const (
	BinaryName      = "smartkey-kms"
	ServiceName     = "smartkey-grpc"
	InstallerScript = "create_installer.sh"
	ProviderConfig  = "smartkey.yaml"

	TestPassedMarker    = "ok  \tsmartkey-kubernetes-kms"
	PluginStartedMarker = "KeyManagementServiceServer service started successfully."
	LintianMarker       = "Finished running lintian."

	// Exit status of ls for a missing path.
	exitNotFound = 2
)

// Remote is the part of a session the stages use.
type Remote interface {
	RunInShell(ctx context.Context, timeout time.Duration, commands ...string) (*models.ShellOutput, error)
	Exec(ctx context.Context, commands ...string) (*models.CommandResult, error)
	WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error
}

// KeySource produces fresh key material for the plugin configuration.
type KeySource interface {
	GenerateAESKeyCycle(ctx context.Context) (*models.KeyMaterial, error)
}

// Pipeline holds the stage implementations for one lab host.
type Pipeline struct {
	remote Remote
	keys   KeySource
	oracle etcd.Reader
	env    models.EnvironmentConfig
	pc     models.PipelineConfig
	verify models.VerifyConfig
	logger zerolog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the pipeline for cfg.
func New(logger zerolog.Logger, remote Remote, keys KeySource, oracle etcd.Reader, cfg *models.Config) *Pipeline {
	return &Pipeline{
		remote: remote,
		keys:   keys,
		oracle: oracle,
		env:    cfg.Environment,
		pc:     cfg.Pipeline,
		verify: cfg.Verify,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Stages returns every stage in execution order.
func (p *Pipeline) Stages() []Stage {
	return []Stage{
		{Name: models.StageBuild, Run: p.Build},
		{Name: models.StageInstall, DependsOn: []string{models.StageBuild}, Run: p.Install},
		{Name: models.StagePackage, DependsOn: []string{models.StageInstall}, Run: p.Package},
		{Name: models.StageInstallPackage, DependsOn: []string{models.StagePackage}, Run: p.InstallPackage},
		{Name: models.StageConfigure, DependsOn: []string{models.StageInstallPackage}, Run: p.Configure},
	}
}

// InstalledFiles lists what the package puts on the host.
func (p *Pipeline) InstalledFiles() []string {
	return []string{
		"/usr/bin/" + BinaryName,
		"/lib/systemd/system/" + ServiceName + ".service",
		p.pc.ConfigFile,
		p.pc.ConfigDir + "/" + ProviderConfig,
	}
}

func (p *Pipeline) shell(ctx context.Context, timeout time.Duration, commands ...string) (*models.ShellOutput, error) {
	if timeout <= 0 {
		timeout = p.pc.ShellTimeout
	}
	return p.remote.RunInShell(ctx, timeout, commands...)
}

// listing runs ls in the shell and returns one entry per line.
func (p *Pipeline) listing(ctx context.Context, args ...string) ([]string, error) {
	out, err := p.shell(ctx, 0, strings.Join(append([]string{"ls"}, args...), " "))
	if err != nil {
		return nil, err
	}
	return lines(out.Text), nil
}

// expectExists checks a path with ls and compares the exit status.
func (p *Pipeline) expectExists(ctx context.Context, file string, exists bool) error {
	res, err := p.remote.Exec(ctx, "ls "+file)
	if err != nil {
		return err
	}
	if exists {
		return assertf(res.ExitCode == 0, strings.Join(res.Lines, "\n"), "Cannot find %s (ls exit code %d)", file, res.ExitCode)
	}
	return assertf(res.ExitCode == exitNotFound, strings.Join(res.Lines, "\n"), "File exists: %s (ls exit code %d)", file, res.ExitCode)
}

func (p *Pipeline) kubectlGetNodes(ctx context.Context) error {
	res, err := p.remote.Exec(ctx, "kubectl get nodes")
	if err != nil {
		return err
	}
	p.logger.Debug().Int("exit_code", res.ExitCode).Msg("kubectl get nodes")
	return assertf(res.ExitCode == 0, strings.Join(res.Lines, "\n"), "Cannot read kubernetes nodes (exit code %d)", res.ExitCode)
}

// WritePluginConfig creates fresh key material and installs the plugin
// configuration file.
func (p *Pipeline) WritePluginConfig(ctx context.Context) error {
	material, err := p.keys.GenerateAESKeyCycle(ctx)
	if err != nil {
		return fmt.Errorf("generating key material: %w", err)
	}

	body, err := json.MarshalIndent(models.PluginConfig{
		APIKey:            p.env.APIKey,
		EncryptionKeyUUID: material.KeyID,
		IV:                material.IV,
		SocketFile:        p.pc.SocketFile,
		URL:               p.env.BaseURL,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding plugin config: %w", err)
	}

	if err := p.install(ctx, append(body, '\n'), p.pc.ConfigFile); err != nil {
		return err
	}

	p.logger.Info().Str("path", p.pc.ConfigFile).Str("kid", material.KeyID).Msg("plugin config written")
	return nil
}

// install uploads content to the staging directory and moves it into place as root.
func (p *Pipeline) install(ctx context.Context, content []byte, target string) error {
	staged := path.Join(p.pc.StagingDir, "kmscheck-"+uuid.NewString()+path.Ext(target))
	if err := p.remote.WriteFile(ctx, staged, content, 0o600); err != nil {
		return fmt.Errorf("uploading %s: %w", target, err)
	}

	res, err := p.remote.Exec(ctx, fmt.Sprintf("sudo mkdir -p %s && sudo mv %s %s && sudo chown root:root %s",
		path.Dir(target), staged, target, target))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		_, _ = p.remote.Exec(ctx, "rm -f "+staged)
		return &AssertionError{Message: fmt.Sprintf("Cannot update %s (exit code %d)", target, res.ExitCode), Output: res.ErrorText}
	}
	return nil
}

// VerifyEncryption recreates the probe secret and returns its stored form.
func (p *Pipeline) VerifyEncryption(ctx context.Context) (string, error) {
	name := p.verify.SecretName

	if _, err := p.remote.Exec(ctx, "kubectl delete secret "+name); err != nil {
		return "", err
	}

	res, err := p.remote.Exec(ctx, fmt.Sprintf("kubectl create secret generic %s -n default --from-literal=%s=%s",
		name, p.verify.SecretKey, p.verify.SecretValue))
	if err != nil {
		return "", err
	}
	if err := assertf(res.LastLine() == "secret/"+name+" created", res.LastLine(), "Cannot create a secret key"); err != nil {
		return "", err
	}

	res, err = p.remote.Exec(ctx, "kubectl get secrets")
	if err != nil {
		return "", err
	}
	if err := assertf(strings.Contains(res.LastLine(), name), res.LastLine(), "Cannot find a new secret key"); err != nil {
		return "", err
	}

	return p.oracle.ReadSecret(ctx, "default", name)
}

func (p *Pipeline) storedInPlaintext(stored string) bool {
	return strings.Contains(stored, p.verify.SecretKey) && strings.Contains(stored, p.verify.SecretValue)
}

func lines(text string) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

func hasLine(ls []string, want string) bool {
	return slices.Contains(ls, want)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
