package etcd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Dialer opens connections from the control-plane host.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// Remote is what the tunnel reader needs from a session.
type Remote interface {
	Executor
	Dialer
}

// TunnelReader talks to etcd directly through the SSH connection, using the
// client certificates found on the host.
type TunnelReader struct {
	remote      Remote
	endpoint    string
	certs       CertPaths
	dialTimeout time.Duration
	logger      zerolog.Logger
}

// NewTunnelReader creates a reader that connects to endpoint (host:port as
// seen from the control-plane host).
func NewTunnelReader(logger zerolog.Logger, remote Remote, endpoint string, certs CertPaths) *TunnelReader {
	return &TunnelReader{
		remote:      remote,
		endpoint:    endpoint,
		certs:       certs,
		dialTimeout: 30 * time.Second,
		logger:      logger,
	}
}

// ReadSecret implements Reader.
func (r *TunnelReader) ReadSecret(ctx context.Context, namespace, name string) (string, error) {
	tlsConfig, err := r.tlsConfig(ctx)
	if err != nil {
		return "", err
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{"https://" + r.endpoint},
		DialTimeout: r.dialTimeout,
		TLS:         tlsConfig,
		Logger:      zap.NewNop(),
		Context:     ctx,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(_ context.Context, addr string) (net.Conn, error) {
				return r.remote.Dial("tcp", addr)
			}),
		},
	})
	if err != nil {
		return "", fmt.Errorf("connecting to etcd at %s: %w", r.endpoint, err)
	}
	defer func() { _ = client.Close() }()

	raw, err := getSecret(ctx, client.KV, namespace, name)
	if err != nil {
		return "", err
	}

	r.logger.Debug().Str("key", SecretKey(namespace, name)).Int("bytes", len(raw)).Msg("read stored secret through tunnel")
	return Printable(raw), nil
}

func getSecret(ctx context.Context, kv clientv3.KV, namespace, name string) ([]byte, error) {
	key := SecretKey(namespace, name)

	resp, err := kv.Get(ctx, key)
	switch {
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", key, err)
	case resp.Count == 0 || len(resp.Kvs) == 0:
		return nil, fmt.Errorf("key %s not found", key)
	case resp.More || len(resp.Kvs) != 1 || resp.Count != 1:
		return nil, fmt.Errorf("invalid get response for %s: %d keys", key, resp.Count)
	}

	return resp.Kvs[0].Value, nil
}

func (r *TunnelReader) tlsConfig(ctx context.Context) (*tls.Config, error) {
	ca, err := r.readRemote(ctx, r.certs.CA)
	if err != nil {
		return nil, err
	}
	cert, err := r.readRemote(ctx, r.certs.Cert)
	if err != nil {
		return nil, err
	}
	key, err := r.readRemote(ctx, r.certs.Key)
	if err != nil {
		return nil, err
	}
	return buildTLSConfig(ca, cert, key)
}

func (r *TunnelReader) readRemote(ctx context.Context, path string) ([]byte, error) {
	res, err := r.remote.Exec(ctx, "sudo cat "+path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("reading %s: exit code %d: %s", path, res.ExitCode, strings.TrimSpace(res.ErrorText))
	}
	return []byte(strings.Join(res.Lines, "\n") + "\n"), nil
}

func buildTLSConfig(caPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no CA certificate found")
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("loading etcd client certificate: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
