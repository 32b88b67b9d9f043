package main

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/conveyordev/conveyor/internal/config"
)

func TestBuildLogger(t *testing.T) {
	logger, err := buildLogger("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	logger, err = buildLogger("", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = buildLogger("verbose", "console")
	assert.Error(t, err)
}

func TestStoreConfigMapping(t *testing.T) {
	sc := storeConfig(config.StorageConfig{
		Driver:    "postgres",
		DSN:       "postgres://localhost/conveyor",
		QueueSize: 64,
		Workers:   3,
	})
	assert.Equal(t, "postgres", sc.Driver)
	assert.Equal(t, "postgres://localhost/conveyor", sc.DSN)
	assert.Equal(t, 64, sc.QueueSize)
	assert.Equal(t, 3, sc.Workers)
}

func TestRunRequiresPromptOrResume(t *testing.T) {
	cmd := runCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a prompt is required")
}

func TestRunRejectsPromptWithResume(t *testing.T) {
	cmd := runCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"build it", "--resume", "abc"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot combine")
}

func TestRunRejectsDryRunWithResume(t *testing.T) {
	cmd := runCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--resume", "abc", "--dry-run"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot combine")
}

func TestRunDryRunWalksWorkflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")
	require.NoError(t, config.WriteDefault(path))

	cmd := runCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"ship the feature", "--config", path, "--dry-run"})

	require.NoError(t, cmd.Execute())
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.yaml")

	cmd := initCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--path", path})
	require.NoError(t, cmd.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.Workflow.Steps)
	assert.Contains(t, cfg.Roles, "planner")

	// A second init must not clobber the edited file.
	cmd = initCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--path", path})
	assert.Error(t, cmd.Execute())
}

func TestWorkflowInfoOnDefaultConfig(t *testing.T) {
	cmd := workflowCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"info", "--config", filepath.Join(t.TempDir(), "missing.yaml")})

	// A missing explicit config file is an error; built-in defaults only
	// apply when no --config is given.
	assert.Error(t, cmd.Execute())

	cmd = workflowCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"info"})
	assert.NoError(t, cmd.Execute())
}
