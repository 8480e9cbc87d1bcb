// Package ssh provides the remote session used to drive the lab host.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// DefaultShellTimeout bounds interactive commands when the caller passes zero.
const DefaultShellTimeout = time.Second

// Service defines the interface for opening remote sessions.
type Service interface {
	Connect(ctx context.Context, cfg models.ServerConfig) (Session, error)
}

// Session is one authenticated connection to the lab host. It is meant for a
// single owner and must not be used from several goroutines at once.
type Session interface {
	// RunInShell writes commands to the long-lived interactive shell and
	// returns their combined output. Shell state such as the working
	// directory persists between calls.
	RunInShell(ctx context.Context, timeout time.Duration, commands ...string) (*models.ShellOutput, error)
	// Exec runs commands joined with "; " in a fresh remote process.
	Exec(ctx context.Context, commands ...string) (*models.CommandResult, error)
	// WriteFile uploads content to path over SFTP.
	WriteFile(ctx context.Context, path string, content []byte, mode os.FileMode) error
	// Dial opens a TCP connection from the remote host.
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

// Client is the subset of *ssh.Client used by a session.
type Client interface {
	NewSession() (*ssh.Session, error)
	Dial(network, addr string) (net.Conn, error)
	Close() error
}

// ClientFactory creates SSH clients.
type ClientFactory interface {
	NewClient(ctx context.Context, network, addr string, config *ssh.ClientConfig) (Client, error)
}

// DefaultClientFactory is the default SSH client factory.
type DefaultClientFactory struct{}

// NewClient dials addr and performs the SSH handshake.
func (f *DefaultClientFactory) NewClient(ctx context.Context, network, addr string, config *ssh.ClientConfig) (Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Impl implements the SSH Service interface.
type Impl struct {
	clientFactory ClientFactory
	logger        zerolog.Logger
}

// New creates a new SSH service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		clientFactory: &DefaultClientFactory{},
		logger:        logger,
	}
}

// NewWithClientFactory creates a new SSH service with a custom client factory (for testing).
func NewWithClientFactory(logger zerolog.Logger, factory ClientFactory) *Impl {
	return &Impl{
		clientFactory: factory,
		logger:        logger,
	}
}

func (s *Impl) buildConfig(cfg models.ServerConfig) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch {
	case cfg.Password != "":
		password := cfg.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	case cfg.IdentityFile != "":
		signer, err := loadSigner(resolveIdentityFile(cfg.IdentityFile), cfg.Passphrase)
		if err != nil {
			return nil, &AuthConfigurationError{Host: cfg.Host, Err: err}
		}
		auth = append(auth, ssh.PublicKeys(signer))
	default:
		return nil, &AuthConfigurationError{Host: cfg.Host}
	}

	return &ssh.ClientConfig{
		User: cfg.Username,
		Auth: auth,
		// Host keys are not verified: lab hosts are reinstalled often and
		// their keys change. Do not point this tool at untrusted networks.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // test lab environment
		Timeout:         30 * time.Second,
	}, nil
}

// resolveIdentityFile expands a "$NAME" reference from the process environment.
func resolveIdentityFile(ref string) string {
	if name, ok := strings.CutPrefix(ref, "$"); ok {
		return os.Getenv(name)
	}
	return ref
}

// loadSigner loads a private key with optional passphrase.
func loadSigner(path, passphrase string) (ssh.Signer, error) {
	if path == "" {
		return nil, fmt.Errorf("identity file reference resolved to an empty path")
	}
	key, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key from %s: %w", path, err)
	}
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is encrypted; set passphrase", path)
		}
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// Connect opens the transport and the interactive channel.
func (s *Impl) Connect(ctx context.Context, cfg models.ServerConfig) (Session, error) {
	sshConfig, err := s.buildConfig(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", port).
		Str("user", cfg.Username).
		Msg("connecting to remote host")

	client, err := s.clientFactory.NewClient(ctx, "tcp", addr, sshConfig)
	if err != nil {
		return nil, &ConnectionError{Addr: addr, Err: err}
	}

	sh, err := openShell(client, s.logger)
	if err != nil {
		_ = client.Close()
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("failed to open shell: %w", err)}
	}

	rs := &RemoteSession{
		client: client,
		shell:  sh,
		logger: s.logger.With().Str("host", cfg.Host).Logger(),
	}

	// Silence prompts and drain the login banner before handing the session out.
	if _, err := rs.shell.run(ctx, 10*time.Second, "PS1=''; PS2=''; unset PROMPT_COMMAND"); err != nil {
		_ = rs.Close()
		return nil, &ConnectionError{Addr: addr, Err: fmt.Errorf("shell did not become ready: %w", err)}
	}

	s.logger.Info().Str("addr", addr).Msg("connected")
	return rs, nil
}

// RemoteSession implements Session over one *ssh.Client.
type RemoteSession struct {
	client Client
	shell  *shell
	logger zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// RunInShell implements Session.
func (r *RemoteSession) RunInShell(ctx context.Context, timeout time.Duration, commands ...string) (*models.ShellOutput, error) {
	if timeout <= 0 {
		timeout = DefaultShellTimeout
	}
	r.logger.Info().Strs("commands", commands).Dur("timeout", timeout).Msg("shell command")

	out, err := r.shell.run(ctx, timeout, commands...)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().Int("exit_code", out.ExitCode).Str("output", out.Text).Msg("shell output")
	return out, nil
}

// Dial implements Session.
func (r *RemoteSession) Dial(network, addr string) (net.Conn, error) {
	return r.client.Dial(network, addr)
}

// Close tears down the interactive channel, then the transport. Later calls
// return the first result.
func (r *RemoteSession) Close() error {
	r.closeOnce.Do(func() {
		shellErr := r.shell.close()
		r.closeErr = r.client.Close()
		if r.closeErr == nil && shellErr != nil && !errors.Is(shellErr, net.ErrClosed) {
			r.logger.Debug().Err(shellErr).Msg("closing shell channel")
		}
		r.logger.Info().Msg("disconnected")
	})
	return r.closeErr
}
