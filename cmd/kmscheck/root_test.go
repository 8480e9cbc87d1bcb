package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOverrides(t *testing.T) {
	got, err := parseOverrides([]string{"env=prod", "pipeline.stages=build,install", "server.password=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"env":             "prod",
		"pipeline.stages": "build,install",
		"server.password": "a=b",
		"empty":           "",
	}, got)

	for _, bad := range []string{"env", "=value", " =x"} {
		_, err := parseOverrides([]string{bad})
		assert.Error(t, err, bad)
	}
}
