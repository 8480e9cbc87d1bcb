//go:build e2e

package e2e

import (
	"io"
	"os"
	"strconv"
	"testing"

	"github.com/fgeck/kmscheck/internal/config"
	"github.com/fgeck/kmscheck/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	if os.Getenv("TEST_VERBOSE") != "" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(io.Discard)
}

// labServer returns the lab host from TEST_LAB_* variables.
func labServer(t *testing.T) models.ServerConfig {
	t.Helper()

	host := os.Getenv("TEST_LAB_HOST")
	if host == "" {
		t.Skip("TEST_LAB_HOST not set")
	}

	portStr := os.Getenv("TEST_LAB_PORT")
	if portStr == "" {
		portStr = "22"
	}
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	user := os.Getenv("TEST_LAB_USER")
	if user == "" {
		user = "root"
	}

	cfg := models.ServerConfig{
		Host:         host,
		Port:         port,
		Username:     user,
		Password:     os.Getenv("TEST_LAB_PASSWORD"),
		IdentityFile: os.Getenv("TEST_LAB_KEY_PATH"),
	}
	if cfg.Password == "" && cfg.IdentityFile == "" {
		t.Skip("TEST_LAB_PASSWORD or TEST_LAB_KEY_PATH not set")
	}
	return cfg
}

// labConfig loads the full run configuration named by TEST_KMSCHECK_CONFIG.
func labConfig(t *testing.T) *models.Config {
	t.Helper()

	path := os.Getenv("TEST_KMSCHECK_CONFIG")
	if path == "" {
		t.Skip("TEST_KMSCHECK_CONFIG not set")
	}

	cfg, err := config.NewParser(nil).LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))
	return cfg
}
