// Package etcd reads secrets as they are stored in the control plane's
// key-value store, before any decryption by the API server.
package etcd

import (
	"context"
	"fmt"
	"strings"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/rs/zerolog"
)

// EncryptedPrefix starts every value written through a KMS v1 provider.
const EncryptedPrefix = "k8s:enc:kms:v1:"

// Reader returns the raw stored form of a secret as printable text.
type Reader interface {
	ReadSecret(ctx context.Context, namespace, name string) (string, error)
}

// Executor runs one-shot commands on the control-plane host.
type Executor interface {
	Exec(ctx context.Context, commands ...string) (*models.CommandResult, error)
}

// CertPaths locate the etcd client credentials on the control-plane host.
type CertPaths struct {
	CA   string
	Cert string
	Key  string
}

// DefaultCertPaths are the kubeadm locations of the etcd health check client.
var DefaultCertPaths = CertPaths{
	CA:   "/etc/kubernetes/pki/etcd/ca.crt",
	Cert: "/etc/kubernetes/pki/etcd/healthcheck-client.crt",
	Key:  "/etc/kubernetes/pki/etcd/healthcheck-client.key",
}

// SecretKey is the storage key of a secret.
func SecretKey(namespace, name string) string {
	return fmt.Sprintf("/registry/secrets/%s/%s", namespace, name)
}

// ProviderMarker is the prefix of values encrypted by the named provider.
func ProviderMarker(provider string) string {
	return EncryptedPrefix + provider
}

// Printable renders raw bytes the way hexdump's "%_p" format does:
// printable ASCII is kept and everything else becomes '.'.
func Printable(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, c := range raw {
		if c >= 0x20 && c < 0x7f {
			b.WriteByte(c)
		} else {
			b.WriteByte('.')
		}
	}
	return b.String()
}

// EtcdctlReader runs etcdctl on the control-plane host.
type EtcdctlReader struct {
	exec   Executor
	certs  CertPaths
	logger zerolog.Logger
}

// NewEtcdctlReader creates a reader that shells out to etcdctl.
func NewEtcdctlReader(logger zerolog.Logger, exec Executor, certs CertPaths) *EtcdctlReader {
	return &EtcdctlReader{exec: exec, certs: certs, logger: logger}
}

// Command returns the remote command line used to read a secret.
func (r *EtcdctlReader) Command(namespace, name string) string {
	return fmt.Sprintf(
		`sudo ETCDCTL_API=3 etcdctl --cacert=%s --cert=%s --key=%s get %s | hexdump -v -e '"%%_p"'`,
		r.certs.CA, r.certs.Cert, r.certs.Key, SecretKey(namespace, name),
	)
}

// ReadSecret implements Reader.
func (r *EtcdctlReader) ReadSecret(ctx context.Context, namespace, name string) (string, error) {
	res, err := r.exec.Exec(ctx, r.Command(namespace, name))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", SecretKey(namespace, name), err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("Cannot run etcdctl (exit code %d): %s", res.ExitCode, strings.TrimSpace(res.ErrorText)) //nolint:stylecheck // matches the remote failure wording
	}

	out := strings.Join(res.Lines, "")
	r.logger.Debug().Str("key", SecretKey(namespace, name)).Int("bytes", len(out)).Msg("read stored secret")
	return out, nil
}
