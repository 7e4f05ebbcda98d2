package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/badpractice-agent/internal/config"
)

const pidFileName = "bp-agent.pid"

var errNotRunning = errors.New("agent is not running")

func pidPath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDirPath(), pidFileName)
}

func writePID(cfg *config.Config) error {
	if err := os.MkdirAll(cfg.StateDirPath(), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return os.WriteFile(pidPath(cfg), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o600)
}

func removePID(cfg *config.Config) {
	if err := os.Remove(pidPath(cfg)); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", pidPath(cfg)).Msg("Failed to remove PID file")
	}
}

func readPID(cfg *config.Config) (int, error) {
	data, err := os.ReadFile(pidPath(cfg))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed PID file %s", pidPath(cfg))
	}
	return pid, nil
}

// agentRunning reports the recorded PID and whether that process is alive.
func agentRunning(cfg *config.Config) (int, bool) {
	pid, err := readPID(cfg)
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	err = proc.Signal(syscall.Signal(0))
	return pid, err == nil || errors.Is(err, syscall.EPERM)
}

// stopAgent sends SIGTERM to a running agent and clears its PID file. A
// stale PID file is removed and reported as not running.
func stopAgent(cfg *config.Config) (int, error) {
	pid, running := agentRunning(cfg)
	if !running {
		if pid != 0 {
			removePID(cfg)
		}
		return 0, errNotRunning
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal agent (pid %d): %w", pid, err)
	}
	removePID(cfg)
	return pid, nil
}
