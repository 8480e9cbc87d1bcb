package etcd

import (
	"fmt"

	"github.com/fgeck/kmscheck/internal/models"
	"github.com/rs/zerolog"
)

// DefaultEndpoint is where kubeadm's etcd listens on the control-plane host.
const DefaultEndpoint = "127.0.0.1:2379"

// NewReader returns the reader selected by cfg.Oracle.
func NewReader(logger zerolog.Logger, remote Remote, cfg models.VerifyConfig) (Reader, error) {
	switch cfg.Oracle {
	case "", models.OracleEtcdctl:
		return NewEtcdctlReader(logger, remote, DefaultCertPaths), nil
	case models.OracleTunnel:
		endpoint := cfg.EtcdEndpoint
		if endpoint == "" {
			endpoint = DefaultEndpoint
		}
		return NewTunnelReader(logger, remote, endpoint, DefaultCertPaths), nil
	default:
		return nil, fmt.Errorf("unknown verification oracle %q", cfg.Oracle)
	}
}
