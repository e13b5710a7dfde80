// SPDX-License-Identifier: Unlicense OR MIT

package main

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eliasnaur.com/cowfork/internal/config"
	"eliasnaur.com/cowfork/internal/metrics"
)

func newTestDemo(t *testing.T) *demo {
	t.Helper()
	cfg := config.Default()
	cfg.Machine.Frames = 512
	reg := prometheus.NewRegistry()
	return &demo{
		cfg: cfg,
		log: zap.NewNop(),
		reg: reg,
		m:   metrics.New(reg),
	}
}

func TestScenariosPass(t *testing.T) {
	d := newTestDemo(t)
	var out bytes.Buffer
	require.NoError(t, d.runScenarios(&out, nil))
	for _, s := range scenarios {
		assert.Contains(t, out.String(), s.name)
	}
	assert.NotContains(t, out.String(), "FAIL")
}

func TestScenariosUnknown(t *testing.T) {
	d := newTestDemo(t)
	var out bytes.Buffer
	assert.Error(t, d.runScenarios(&out, []string{"nope"}))
}

func TestForktree(t *testing.T) {
	d := newTestDemo(t)
	require.NoError(t, d.forktree(3))

	var out bytes.Buffer
	require.NoError(t, printSummary(&out, d.reg))
	assert.Contains(t, out.String(), `cowfork_forks_total{result="ok"} 14`)
	assert.Contains(t, out.String(), `cowfork_envs 0`)
}

func TestOptionsOverrideConfig(t *testing.T) {
	var opts options
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.addFlags(fs)
	require.NoError(t, fs.Parse([]string{"--frames", "128", "--log-level", "debug"}))

	cfg, err := opts.load(fs)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Machine.Frames)
	assert.Equal(t, "debug", cfg.Log.Level)

	require.NoError(t, fs.Parse([]string{"--frames", "8"}))
	_, err = opts.load(fs)
	assert.Error(t, err)
}
