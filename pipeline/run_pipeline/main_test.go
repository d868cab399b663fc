package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
)

func writeConfig(t *testing.T, name, body string) string {
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestParseMergesFiles(t *testing.T) {
	base := writeConfig(t, "base.yaml", "tasks: 20\ndemo:\n  dim: 5\nlocal:\n  ranks: 2\n")
	override := writeConfig(t, "override.yaml", "tasks: 8\nstride: 2\n")

	cfg := defaultConfig()
	require.NoError(t, Parse(cfg, base, override))
	assert.Equal(t, 8, cfg.Tasks)
	assert.Equal(t, 2, cfg.Stride)
	assert.Equal(t, 5, cfg.Demo.Dim)
	assert.Equal(t, 4, cfg.Demo.PatchSize)
	assert.Equal(t, 2, cfg.Local.Ranks)
}

func TestParseValidates(t *testing.T) {
	bad := writeConfig(t, "bad.yaml", "tasks: 0\n")
	cfg := defaultConfig()
	err := Parse(cfg, bad)
	require.Error(t, err)
	verr, ok := err.(ValidationError)
	require.True(t, ok, "got %T", err)
	assert.Error(t, verr.ErrForField("Tasks"))
}

func TestValidateRank(t *testing.T) {
	cfg := defaultConfig()
	cfg.Net.Peers = []string{"127.0.0.1:7000", "127.0.0.1:7001"}
	cfg.Net.Rank = 2
	assert.Error(t, Validate(cfg))
	cfg.Net.Rank = 1
	assert.NoError(t, Validate(cfg))
}

func TestRunLocal(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := defaultConfig()
	cfg.Local.Ranks = 4
	cfg.Stride = 2
	cfg.Tasks = 5
	assert.NoError(t, runLocal(cfg, tally.NoopScope, logger))

	cfg.Tasks = 1
	assert.Error(t, runLocal(cfg, tally.NoopScope, logger))
}

func TestRunLocalNetworks(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	for _, name := range []string{"random", "ordered", "switched"} {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Local.Network = name
			cfg.Local.Ranks = 3
			cfg.Tasks = 7
			require.NoError(t, Validate(cfg))
			assert.NoError(t, runLocal(cfg, tally.NoopScope, logger))
		})
	}
}

func TestValidateNetwork(t *testing.T) {
	cfg := defaultConfig()
	cfg.Local.Network = "carrier-pigeon"
	assert.Error(t, Validate(cfg))

	cfg.Local.Network = "ordered"
	cfg.Local.Rate = 0
	assert.Error(t, Validate(cfg))
}
