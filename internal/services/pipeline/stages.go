package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fgeck/kmscheck/internal/services/etcd"
	"github.com/fgeck/kmscheck/internal/services/manifest"
)

// Build runs the project's make targets inside the project directory.
func (p *Pipeline) Build(ctx context.Context) error {
	out, err := p.shell(ctx, 0, "cd "+p.pc.ProjectDir)
	if err != nil {
		return err
	}
	if err := assertf(out.ExitCode == 0, out.Text, "Cannot enter %s", p.pc.ProjectDir); err != nil {
		return err
	}

	entries, err := p.listing(ctx, "-1")
	if err != nil {
		return err
	}
	if err := assertf(hasLine(entries, "Makefile"), strings.Join(entries, "\n"), "Makefile is missing"); err != nil {
		return err
	}

	if hasLine(entries, BinaryName) {
		if _, err := p.shell(ctx, 0, "rm -f "+BinaryName); err != nil {
			return err
		}
		if entries, err = p.listing(ctx, "-1"); err != nil {
			return err
		}
		if err := assertf(!hasLine(entries, BinaryName), strings.Join(entries, "\n"), "%s is not removed", BinaryName); err != nil {
			return err
		}
	}

	out, err = p.shell(ctx, p.pc.TestTimeout, "make test | tail -1")
	if err != nil {
		return err
	}
	if err := assertf(strings.Contains(out.Text, TestPassedMarker), out.Text, "Make test failed"); err != nil {
		return err
	}

	if _, err := p.shell(ctx, p.pc.BuildTimeout, "make build"); err != nil {
		return err
	}
	if entries, err = p.listing(ctx, "-1"); err != nil {
		return err
	}
	if err := assertf(hasLine(entries, BinaryName), strings.Join(entries, "\n"), "%s was not created", BinaryName); err != nil {
		return err
	}

	if _, err := p.shell(ctx, p.pc.BuildTimeout, "make clean"); err != nil {
		return err
	}
	if entries, err = p.listing(ctx, "-1"); err != nil {
		return err
	}
	return assertf(!hasLine(entries, BinaryName), strings.Join(entries, "\n"), "%s must be removed", BinaryName)
}

// Install builds the binary, writes a fresh configuration and checks that
// the plugin starts in the foreground.
func (p *Pipeline) Install(ctx context.Context) error {
	if _, err := p.shell(ctx, 0, "sudo rm -rf "+p.pc.ConfigDir, "sudo mkdir -p "+p.pc.ConfigDir); err != nil {
		return err
	}
	out, err := p.shell(ctx, 0, "cd "+p.pc.ProjectDir)
	if err != nil {
		return err
	}
	if err := assertf(out.ExitCode == 0, out.Text, "Cannot enter %s", p.pc.ProjectDir); err != nil {
		return err
	}
	if _, err := p.shell(ctx, 0, "rm -f "+BinaryName); err != nil {
		return err
	}
	if _, err := p.shell(ctx, p.pc.BuildTimeout, "make build"); err != nil {
		return err
	}

	if err := p.WritePluginConfig(ctx); err != nil {
		return err
	}

	wait := int(p.pc.StartWait.Round(time.Second) / time.Second)
	if wait < 1 {
		wait = 1
	}
	out, err = p.shell(ctx, p.pc.StartWait+p.pc.ShellTimeout, fmt.Sprintf(
		"sudo timeout --signal=INT %d ./%s --socketFile %s --config %s",
		wait, BinaryName, p.pc.SocketFile, p.pc.ConfigFile))
	if err != nil {
		return err
	}
	return assertf(strings.Contains(out.Text, PluginStartedMarker), out.Text, "%s is not started", BinaryName)
}

// Package creates the Debian package with the project's installer script.
func (p *Pipeline) Package(ctx context.Context) error {
	if _, err := p.shell(ctx, 0, "sudo rm -rf "+p.pc.ProjectDir+"/debian"); err != nil {
		return err
	}
	if _, err := p.shell(ctx, 0, "rm -f "+p.pc.PackageDir+"/"+p.pc.PackageName+"*"); err != nil {
		return err
	}

	entries, err := p.listing(ctx, p.pc.ProjectDir, "-1")
	if err != nil {
		return err
	}
	if err := assertf(hasLine(entries, InstallerScript), strings.Join(entries, "\n"), "Create Installer script is missing"); err != nil {
		return err
	}

	res, err := p.remote.Exec(ctx, "cd "+p.pc.ProjectDir, "sudo ./"+InstallerScript)
	if err != nil {
		return err
	}
	if err := assertf(res.ExitCode == 0, res.ErrorText, "Installation failed (exit code %d)", res.ExitCode); err != nil {
		return err
	}
	if err := assertf(res.LastLine() == LintianMarker, res.LastLine(), "expected %q as last installer line, got %q", LintianMarker, res.LastLine()); err != nil {
		return err
	}

	res, err = p.remote.Exec(ctx, "ls -1 "+p.pc.PackageDir)
	if err != nil {
		return err
	}
	return assertf(hasLine(res.Lines, p.pc.PackageFile), strings.Join(res.Lines, "\n"), "Debian file is missing")
}

// InstallPackage reinstalls the control plane from scratch, installs the
// package and checks that secrets are still stored in plaintext.
func (p *Pipeline) InstallPackage(ctx context.Context) error {
	if _, err := p.remote.Exec(ctx, "sudo dpkg -P "+p.pc.PackageName); err != nil {
		return err
	}
	for _, f := range p.InstalledFiles() {
		if err := p.expectExists(ctx, f, false); err != nil {
			return err
		}
	}

	if _, err := p.remote.Exec(ctx, "sudo kubeadm reset -f"); err != nil {
		return err
	}
	if err := p.expectExists(ctx, p.pc.ManifestFile, false); err != nil {
		return err
	}

	if _, err := p.remote.Exec(ctx, "sudo kubeadm init"); err != nil {
		return err
	}
	if err := p.expectExists(ctx, p.pc.ManifestFile, true); err != nil {
		return err
	}

	for _, cmd := range []string{
		"mkdir -p $HOME/.kube",
		"sudo cp /etc/kubernetes/admin.conf $HOME/.kube/config",
		"sudo chown $(id -u):$(id -g) $HOME/.kube/config",
	} {
		if _, err := p.remote.Exec(ctx, cmd); err != nil {
			return err
		}
	}

	res, err := p.remote.Exec(ctx, "sudo dpkg -i "+p.pc.PackageDir+"/"+p.pc.PackageFile)
	if err != nil {
		return err
	}
	if err := assertf(res.ExitCode == 0, strings.Join(res.Lines, "\n"), "Debian Installation failed (exit code %d)", res.ExitCode); err != nil {
		return err
	}
	for _, f := range p.InstalledFiles() {
		if err := p.expectExists(ctx, f, true); err != nil {
			return err
		}
	}

	if err := p.kubectlGetNodes(ctx); err != nil {
		return err
	}

	stored, err := p.VerifyEncryption(ctx)
	if err != nil {
		return err
	}
	return assertf(p.storedInPlaintext(stored), stored, "Data is not stored in plaintext before the provider is configured")
}

// Configure starts the plugin service, wires the provider into the API
// server manifest and checks that new secrets are stored encrypted.
func (p *Pipeline) Configure(ctx context.Context) error {
	if err := p.WritePluginConfig(ctx); err != nil {
		return err
	}

	if _, err := p.remote.Exec(ctx, "sudo service "+ServiceName+" start > /dev/null &"); err != nil {
		return err
	}
	res, err := p.remote.Exec(ctx, "sudo service "+ServiceName+" status")
	if err != nil {
		return err
	}
	if err := assertf(strings.Contains(res.LastLine(), PluginStartedMarker), res.LastLine(), "Plugin service status"); err != nil {
		return err
	}

	if err := p.updateManifest(ctx); err != nil {
		return err
	}

	p.logger.Info().Dur("wait", p.pc.ReloadWait).Msg("waiting for the API server to restart")
	if err := p.sleep(ctx, p.pc.ReloadWait); err != nil {
		return err
	}

	if err := p.kubectlGetNodes(ctx); err != nil {
		return err
	}

	stored, err := p.VerifyEncryption(ctx)
	if err != nil {
		return err
	}
	marker := etcd.ProviderMarker(p.pc.ProviderName)
	return assertf(!p.storedInPlaintext(stored) && strings.Contains(stored, marker), stored,
		"Data is not encrypted: expected %q and no plaintext", marker)
}

func (p *Pipeline) updateManifest(ctx context.Context) error {
	res, err := p.remote.Exec(ctx, "sudo cat "+p.pc.ManifestFile)
	if err != nil {
		return err
	}
	if err := assertf(res.ExitCode == 0, res.ErrorText, "Cannot read %s", p.pc.ManifestFile); err != nil {
		return err
	}

	result, err := manifest.Apply([]byte(strings.Join(res.Lines, "\n")+"\n"), manifest.Options{
		ConfigDir:      p.pc.ConfigDir,
		ProviderConfig: ProviderConfig,
	})
	if err != nil {
		return fmt.Errorf("updating %s: %w", p.pc.ManifestFile, err)
	}

	p.logger.Info().
		Bool("flag_added", result.FlagAdded).
		Bool("mount_added", result.MountAdded).
		Bool("volume_added", result.VolumeAdded).
		Msg("manifest checked")

	if !result.Changed {
		return nil
	}
	return p.install(ctx, result.Document, p.pc.ManifestFile)
}
