package runner

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/fgeck/kmscheck/internal/services/kms"
	"github.com/fgeck/kmscheck/internal/services/pipeline"
	"github.com/fgeck/kmscheck/internal/services/ssh"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Mock implementations.
type mockKMS struct {
	authenticateFunc func(ctx context.Context) error
	generateFunc     func(ctx context.Context) (*models.KeyMaterial, error)
}

func (m *mockKMS) Authenticate(ctx context.Context) error {
	if m.authenticateFunc != nil {
		return m.authenticateFunc(ctx)
	}
	return nil
}

func (m *mockKMS) GenerateAESKeyCycle(ctx context.Context) (*models.KeyMaterial, error) {
	if m.generateFunc != nil {
		return m.generateFunc(ctx)
	}
	return &models.KeyMaterial{KeyID: "kid-1", IV: "aXY="}, nil
}

func (m *mockKMS) RoundTrip(ctx context.Context, _ string) (*models.KeyMaterial, error) {
	return m.GenerateAESKeyCycle(ctx)
}

type mockWOLService struct {
	wakeFunc func(ctx context.Context, cfg models.WOLConfig, addr string) (*models.WOLResult, error)
}

func (m *mockWOLService) Wake(ctx context.Context, cfg models.WOLConfig, addr string) (*models.WOLResult, error) {
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, cfg, addr)
	}
	return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
}

type mockSSHService struct {
	connectFunc func(ctx context.Context, cfg models.ServerConfig) (ssh.Session, error)
}

func (m *mockSSHService) Connect(ctx context.Context, cfg models.ServerConfig) (ssh.Session, error) {
	if m.connectFunc != nil {
		return m.connectFunc(ctx, cfg)
	}
	return &mockSession{}, nil
}

// mockSession answers the build stage's shell commands. The project
// directory contains a Makefile unless noMakefile is set.
type mockSession struct {
	noMakefile bool
	built      bool
	closed     int
	commands   []string
}

func (m *mockSession) RunInShell(_ context.Context, _ time.Duration, commands ...string) (*models.ShellOutput, error) {
	out := &models.ShellOutput{}
	for _, c := range commands {
		m.commands = append(m.commands, c)
		switch c {
		case "ls -1":
			var files []string
			if !m.noMakefile {
				files = append(files, "Makefile")
			}
			if m.built {
				files = append(files, pipeline.BinaryName)
			}
			out.Text = strings.Join(files, "\n") + "\n"
		case "make test | tail -1":
			out.Text = pipeline.TestPassedMarker + "\t0.02s\n"
		case "make build":
			m.built = true
		case "make clean", "rm -f " + pipeline.BinaryName:
			m.built = false
		}
	}
	return out, nil
}

func (m *mockSession) Exec(context.Context, ...string) (*models.CommandResult, error) {
	return &models.CommandResult{}, nil
}

func (m *mockSession) WriteFile(context.Context, string, []byte, os.FileMode) error {
	return nil
}

func (m *mockSession) Dial(string, string) (net.Conn, error) {
	return nil, errors.New("not supported")
}

func (m *mockSession) Close() error {
	m.closed++
	return nil
}

type mockTelegramService struct {
	sendFunc func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
	sent     []models.TelegramMessage
}

func (m *mockTelegramService) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	m.sent = append(m.sent, msg)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, cfg, msg)
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() *models.Config {
	return &models.Config{
		Env:        "sandbox",
		ServerName: "lab1",
		Environment: models.EnvironmentConfig{
			BaseURL: "https://sandbox.smartkey.io",
			APIURL:  "https://sandbox.smartkey.io",
			APIKey:  "api-key",
		},
		Server: models.ServerConfig{Host: "10.0.0.5", Port: 22, Username: "ubuntu", Password: "pw"},
		Pipeline: models.PipelineConfig{
			ProjectDir:   "~/go/src/smartkey-kubernetes-kms",
			ShellTimeout: time.Second,
			Stages:       []string{models.StageBuild},
		},
		Verify:   models.VerifyConfig{Oracle: models.OracleEtcdctl},
		Telegram: &models.TelegramConfig{BotToken: "token", ChatID: "chat"},
	}
}

type fixture struct {
	kms      *mockKMS
	wol      *mockWOLService
	ssh      *mockSSHService
	session  *mockSession
	telegram *mockTelegramService
	svc      *Impl
}

func newFixture() *fixture {
	f := &fixture{
		kms:      &mockKMS{},
		wol:      &mockWOLService{},
		session:  &mockSession{},
		telegram: &mockTelegramService{},
	}
	f.ssh = &mockSSHService{
		connectFunc: func(context.Context, models.ServerConfig) (ssh.Session, error) {
			return f.session, nil
		},
	}
	f.svc = NewWithServices(testLogger(),
		func(zerolog.Logger, models.EnvironmentConfig) kms.Service { return f.kms },
		f.wol, f.ssh, f.telegram)
	return f
}

func TestRun_Success(t *testing.T) {
	f := newFixture()

	report, err := f.svc.Run(context.Background(), testConfig())

	require.NoError(t, err)
	assert.True(t, report.Success())
	assert.Equal(t, "lab1", report.Host)
	assert.Equal(t, "sandbox", report.Environment)
	assert.Empty(t, report.FailedStage)
	require.Len(t, report.Stages, 1)
	assert.Equal(t, models.StageBuild, report.Stages[0].Name)
	assert.Equal(t, 1, f.session.closed)

	require.Len(t, f.telegram.sent, 1)
	assert.True(t, f.telegram.sent[0].Success)
	assert.Equal(t, report.Stages, f.telegram.sent[0].Stages)
}

func TestRun_AuthFailureStopsBeforeConnecting(t *testing.T) {
	f := newFixture()
	f.kms.authenticateFunc = func(context.Context) error {
		return &kms.AuthError{Err: errors.New("status code 401")}
	}
	connected := false
	f.ssh.connectFunc = func(context.Context, models.ServerConfig) (ssh.Session, error) {
		connected = true
		return f.session, nil
	}

	report, err := f.svc.Run(context.Background(), testConfig())

	var authErr *kms.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, connected)
	assert.Equal(t, StepAuth, report.FailedStage)
	assert.Equal(t, err, report.Error)

	require.Len(t, f.telegram.sent, 1)
	assert.False(t, f.telegram.sent[0].Success)
	assert.Equal(t, StepAuth, f.telegram.sent[0].FailedStage)
	assert.Contains(t, f.telegram.sent[0].ErrorMessage, "401")
}

func TestRun_ConnectFailure(t *testing.T) {
	f := newFixture()
	f.ssh.connectFunc = func(context.Context, models.ServerConfig) (ssh.Session, error) {
		return nil, &ssh.ConnectionError{Addr: "10.0.0.5:22", Err: errors.New("connection refused")}
	}

	report, err := f.svc.Run(context.Background(), testConfig())

	var connErr *ssh.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, StepConnect, report.FailedStage)
	assert.Equal(t, 0, f.session.closed)
}

func TestRun_WOL(t *testing.T) {
	f := newFixture()
	var gotAddr string
	f.wol.wakeFunc = func(_ context.Context, _ models.WOLConfig, addr string) (*models.WOLResult, error) {
		gotAddr = addr
		return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
	}
	cfg := testConfig()
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF"}

	_, err := f.svc.Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:22", gotAddr)
}

func TestRun_WOLTargetNotReady(t *testing.T) {
	f := newFixture()
	f.wol.wakeFunc = func(context.Context, models.WOLConfig, string) (*models.WOLResult, error) {
		return &models.WOLResult{PacketSent: true, Error: errors.New("timeout waiting for 10.0.0.5:22")}, nil
	}
	cfg := testConfig()
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF"}

	report, err := f.svc.Run(context.Background(), cfg)

	assert.ErrorContains(t, err, "WOL failed: timeout waiting for 10.0.0.5:22")
	assert.Equal(t, StepWOL, report.FailedStage)
	assert.Empty(t, f.session.commands)
}

func TestRun_WOLSkippedWhenNotConfigured(t *testing.T) {
	f := newFixture()
	called := false
	f.wol.wakeFunc = func(context.Context, models.WOLConfig, string) (*models.WOLResult, error) {
		called = true
		return &models.WOLResult{}, nil
	}

	_, err := f.svc.Run(context.Background(), testConfig())

	require.NoError(t, err)
	assert.False(t, called)
}

func TestRun_StageFailure(t *testing.T) {
	f := newFixture()
	f.session.noMakefile = true

	report, err := f.svc.Run(context.Background(), testConfig())

	var assertErr *pipeline.AssertionError
	require.ErrorAs(t, err, &assertErr)
	assert.Equal(t, "Makefile is missing", assertErr.Message)
	assert.Equal(t, models.StageBuild, report.FailedStage)
	require.Len(t, report.Stages, 1)
	assert.Error(t, report.Stages[0].Error)
	assert.Equal(t, 1, f.session.closed)

	require.Len(t, f.telegram.sent, 1)
	assert.Equal(t, models.StageBuild, f.telegram.sent[0].FailedStage)
}

func TestRun_UnknownStage(t *testing.T) {
	f := newFixture()
	cfg := testConfig()
	cfg.Pipeline.Stages = []string{"deploy"}

	report, err := f.svc.Run(context.Background(), cfg)

	assert.ErrorContains(t, err, `unknown stage "deploy"`)
	assert.Equal(t, StepStages, report.FailedStage)
	assert.Empty(t, f.session.commands)
	assert.Equal(t, 1, f.session.closed)
	require.Len(t, f.telegram.sent, 1)
	assert.Equal(t, StepStages, f.telegram.sent[0].FailedStage)
}

func TestRun_UnknownOracle(t *testing.T) {
	f := newFixture()
	cfg := testConfig()
	cfg.Verify.Oracle = "kubectl"

	report, err := f.svc.Run(context.Background(), cfg)

	assert.ErrorContains(t, err, "unknown verification oracle")
	assert.Equal(t, StepOracle, report.FailedStage)
	assert.Equal(t, 1, f.session.closed)
}

func TestRun_TelegramFailureDoesNotFailRun(t *testing.T) {
	f := newFixture()
	f.telegram.sendFunc = func(context.Context, models.TelegramConfig, models.TelegramMessage) (*models.TelegramResult, error) {
		return &models.TelegramResult{Error: errors.New("telegram API returned status 500")}, nil
	}

	report, err := f.svc.Run(context.Background(), testConfig())

	require.NoError(t, err)
	assert.True(t, report.Success())
}

func TestRun_NoTelegram(t *testing.T) {
	f := newFixture()
	cfg := testConfig()
	cfg.Telegram = nil

	_, err := f.svc.Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.Empty(t, f.telegram.sent)
}

func TestRun_NotificationSurvivesCancelledContext(t *testing.T) {
	f := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	f.kms.authenticateFunc = func(context.Context) error {
		cancel()
		return &kms.AuthError{Err: context.Canceled}
	}
	var notifyErr error
	f.telegram.sendFunc = func(ctx context.Context, _ models.TelegramConfig, _ models.TelegramMessage) (*models.TelegramResult, error) {
		notifyErr = ctx.Err()
		return &models.TelegramResult{MessageSent: true}, nil
	}

	_, err := f.svc.Run(ctx, testConfig())

	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, notifyErr)
}
