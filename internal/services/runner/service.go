// Package runner orchestrates a complete validation run against one lab host.
package runner

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/fgeck/kmscheck/internal/services/etcd"
	"github.com/fgeck/kmscheck/internal/services/kms"
	"github.com/fgeck/kmscheck/internal/services/pipeline"
	"github.com/fgeck/kmscheck/internal/services/ssh"
	"github.com/fgeck/kmscheck/internal/services/telegram"
	"github.com/fgeck/kmscheck/internal/services/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for the run orchestrator.
type Service interface {
	Run(ctx context.Context, cfg *models.Config) (*models.RunReport, error)
}

// Step names reported when a run fails before the stages start.
const (
	StepAuth    = "auth"
	StepWOL     = "wol"
	StepConnect = "connect"
	StepOracle  = "oracle"
	StepStages  = "stages"
)

// KMSFactory creates the key-management client for an environment.
type KMSFactory func(logger zerolog.Logger, env models.EnvironmentConfig) kms.Service

// Impl implements the runner Service interface.
type Impl struct {
	newKMS      KMSFactory
	wolSvc      wol.Service
	sshSvc      ssh.Service
	telegramSvc telegram.Service
	logger      zerolog.Logger
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		newKMS: func(logger zerolog.Logger, env models.EnvironmentConfig) kms.Service {
			return kms.New(logger, env)
		},
		wolSvc:      wol.New(logger),
		sshSvc:      ssh.New(logger),
		telegramSvc: telegram.New(logger),
		logger:      logger,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	newKMS KMSFactory,
	wolSvc wol.Service,
	sshSvc ssh.Service,
	telegramSvc telegram.Service,
) *Impl {
	return &Impl{
		newKMS:      newKMS,
		wolSvc:      wolSvc,
		sshSvc:      sshSvc,
		telegramSvc: telegramSvc,
		logger:      logger,
	}
}

// Run authenticates against the key-management API, connects to the lab
// host and runs the selected pipeline stages. The report is returned even
// when the run fails.
func (s *Impl) Run(ctx context.Context, cfg *models.Config) (report *models.RunReport, err error) {
	report = &models.RunReport{
		Host:        cfg.ServerName,
		Environment: cfg.Env,
		StartTime:   time.Now(),
	}

	s.logger.Info().
		Str("host", cfg.Server.Host).
		Str("env", cfg.Env).
		Strs("stages", cfg.Pipeline.Stages).
		Msg("starting validation run")

	defer func() {
		report.Duration = time.Since(report.StartTime)
		report.Error = err
		if cfg.Telegram != nil {
			s.sendNotification(ctx, cfg, report)
		}
	}()

	keys := s.newKMS(s.logger, cfg.Environment)
	if err := keys.Authenticate(ctx); err != nil {
		report.FailedStage = StepAuth
		return report, err
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	if cfg.WOL != nil {
		if err := s.runWOL(ctx, cfg.WOL, addr); err != nil {
			report.FailedStage = StepWOL
			return report, err
		}
	}

	session, err := s.sshSvc.Connect(ctx, cfg.Server)
	if err != nil {
		report.FailedStage = StepConnect
		return report, err
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Warn().Err(cerr).Msg("closing session")
		}
	}()

	oracle, err := etcd.NewReader(s.logger, session, cfg.Verify)
	if err != nil {
		report.FailedStage = StepOracle
		return report, err
	}

	p := pipeline.New(s.logger, session, keys, oracle, cfg)
	stages, err := pipeline.Select(p.Stages(), cfg.Pipeline.Stages)
	if err != nil {
		report.FailedStage = StepStages
		return report, err
	}

	report.Stages, err = pipeline.NewRunner(s.logger).Run(ctx, stages)
	if err != nil {
		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			report.FailedStage = stageErr.Stage
		}
		return report, err
	}

	s.logger.Info().
		Int("stages", len(report.Stages)).
		Dur("duration", time.Since(report.StartTime)).
		Msg("validation run completed successfully")

	return report, nil
}

func (s *Impl) runWOL(ctx context.Context, cfg *models.WOLConfig, addr string) error {
	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("target", addr).
		Msg("sending Wake-on-LAN packet")

	result, err := s.wolSvc.Wake(ctx, *cfg, addr)
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}
	if !result.TargetReady {
		return fmt.Errorf("%s did not become reachable after WOL", addr)
	}

	s.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

func (s *Impl) sendNotification(ctx context.Context, cfg *models.Config, report *models.RunReport) {
	msg := models.TelegramMessage{
		Success:     report.Success(),
		Host:        report.Host,
		Environment: report.Environment,
		StartTime:   report.StartTime,
		Duration:    report.Duration,
		Stages:      report.Stages,
		FailedStage: report.FailedStage,
	}
	if report.Error != nil {
		msg.ErrorMessage = report.Error.Error()
	}

	// the run context may already be cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	result, err := s.telegramSvc.SendNotification(ctx, *cfg.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}
