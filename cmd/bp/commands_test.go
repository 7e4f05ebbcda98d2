package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/badpractice-agent/internal/config"
)

// execute runs rootCmd with args and fresh flag state, returning stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	initEmail, initNoScan, initNoWatch = "", false, false
	skipInitial = false
	scanPDF, scanCSV = "", ""
	statusLines = 20
	logLevel = "error"

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"SMTP_HOST", "EMAIL_TO", "BP_STATE_DIR", "BP_LEDGER_BACKEND", "BP_METRICS_ADDR"} {
		t.Setenv(key, "")
	}
	color.NoColor = true
}

func testConfig(t *testing.T, root string) *config.Config {
	t.Helper()
	cfg, err := config.Load(root)
	require.NoError(t, err)
	return cfg
}

func TestVersionCmd(t *testing.T) {
	oldVersion, oldBuildTime, oldGitCommit := Version, BuildTime, GitCommit
	defer func() {
		Version, BuildTime, GitCommit = oldVersion, oldBuildTime, oldGitCommit
	}()

	Version = "1.2.3"
	BuildTime = "2026-01-01"
	GitCommit = "abcdef"
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "bp 1.2.3")
	assert.Contains(t, out, "Built: 2026-01-01")
	assert.Contains(t, out, "Commit: abcdef")

	BuildTime = "unknown"
	GitCommit = "unknown"
	out, err = execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "bp 1.2.3")
	assert.NotContains(t, out, "Built:")
	assert.NotContains(t, out, "Commit:")
}

func TestInitWritesConfig(t *testing.T) {
	isolateEnv(t)
	root := t.TempDir()

	out, err := execute(t, "", "init", "--root", root, "--email", "ops@example.com", "--no-scan")
	require.NoError(t, err)

	cfgPath := filepath.Join(root, config.DefaultStateDir, config.ConfigFileName)
	assert.Contains(t, out, "Wrote "+cfgPath)
	assert.Contains(t, out, "SMTP is not configured")

	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ops@example.com")

	cfg := testConfig(t, root)
	assert.Equal(t, []string{"ops@example.com"}, cfg.Email.To)
	assert.False(t, cfg.Email.Enabled)
}

func TestInitPromptsForEmail(t *testing.T) {
	isolateEnv(t)
	root := t.TempDir()

	out, err := execute(t, "dev@example.com\n", "init", "--root", root, "--no-scan")
	require.NoError(t, err)
	assert.Contains(t, out, "Enter your email for alerts: ")
	assert.Equal(t, []string{"dev@example.com"}, testConfig(t, root).Email.To)
}

func TestInitRejectsBadEmail(t *testing.T) {
	isolateEnv(t)

	t.Run("missing", func(t *testing.T) {
		root := t.TempDir()
		_, err := execute(t, "\n", "init", "--root", root, "--no-scan")
		require.Error(t, err)
		assert.NoFileExists(t, filepath.Join(root, config.DefaultStateDir, config.ConfigFileName))
	})

	t.Run("malformed", func(t *testing.T) {
		root := t.TempDir()
		_, err := execute(t, "", "init", "--root", root, "--email", "not-an-address", "--no-scan")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid email")
	})
}

func TestStatusWithoutAgent(t *testing.T) {
	isolateEnv(t)
	t.Setenv("BP_LEDGER_BACKEND", "memory")
	root := t.TempDir()

	out, err := execute(t, "", "status", "--root", root)
	require.NoError(t, err)
	assert.Contains(t, out, "Agent: not running")
	assert.Contains(t, out, "Open issues: 0")
	assert.Contains(t, out, "Last session: none")
	assert.NotContains(t, out, "--- tail")
}

func TestStatusTailsLog(t *testing.T) {
	isolateEnv(t)
	t.Setenv("BP_LEDGER_BACKEND", "memory")
	root := t.TempDir()
	cfg := testConfig(t, root)

	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Log.File), 0o700))
	var lines []string
	for i := 1; i <= 30; i++ {
		lines = append(lines, fmt.Sprintf("line %02d", i))
	}
	require.NoError(t, os.WriteFile(cfg.Log.File, []byte(strings.Join(lines, "\n")+"\n"), 0o600))

	out, err := execute(t, "", "status", "--root", root, "--lines", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "--- tail "+cfg.Log.File+" ---")
	assert.Contains(t, out, "line 26")
	assert.Contains(t, out, "line 30")
	assert.NotContains(t, out, "line 25")
}

func TestStopWithoutAgent(t *testing.T) {
	isolateEnv(t)
	root := t.TempDir()

	_, err := execute(t, "", "stop", "--root", root)
	require.ErrorIs(t, err, errNotRunning)
}

func TestPIDFile(t *testing.T) {
	cfg := testConfig(t, t.TempDir())

	_, running := agentRunning(cfg)
	assert.False(t, running)

	require.NoError(t, writePID(cfg))
	pid, running := agentRunning(cfg)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	removePID(cfg)
	assert.NoFileExists(t, pidPath(cfg))
	removePID(cfg)
}

func TestStopClearsStalePID(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	require.NoError(t, os.MkdirAll(cfg.StateDirPath(), 0o700))
	require.NoError(t, os.WriteFile(pidPath(cfg), []byte("99999999\n"), 0o600))

	_, err := stopAgent(cfg)
	require.ErrorIs(t, err, errNotRunning)
	assert.NoFileExists(t, pidPath(cfg))
}

func TestReadPIDMalformed(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	require.NoError(t, os.MkdirAll(cfg.StateDirPath(), 0o700))
	require.NoError(t, os.WriteFile(pidPath(cfg), []byte("garbage"), 0o600))

	_, err := readPID(cfg)
	require.Error(t, err)
	_, running := agentRunning(cfg)
	assert.False(t, running)
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("a\nb\nc\n"), 0o600))

	got, err := tailLines(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)

	got, err = tailLines(path, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	_, err = tailLines(filepath.Join(t.TempDir(), "missing"), 3)
	assert.Error(t, err)
}
