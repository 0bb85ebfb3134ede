package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/abusegate/internal/config"
)

// recorderFlushGrace matches the final flush budget of the violation
// recorder, which runs after the HTTP server has shut down.
const recorderFlushGrace = 5 * time.Second

const stopPollInterval = 200 * time.Millisecond

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running abuse-gate server",
	Long: `Stop a running abuse-gate server by reading its PID file and sending SIGTERM.

The server drains in-flight decisions and flushes pending violations before
exiting. stop waits for server.shutdown_timeout plus the violation flush
budget, then kills the process. Use --timeout to override the wait.

The PID file is located at ~/.abuse-gate/server.pid.

Examples:
  abuse-gate stop
  abuse-gate stop --timeout 30s`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 0, "How long to wait before killing the server (default: server.shutdown_timeout + 5s)")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	out := cmd.ErrOrStderr()
	pidPath := pidFilePath()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no server PID file found at %s\nIs the server running?", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}
	if !processIsAlive(proc) {
		os.Remove(pidPath)
		return fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}

	wait := resolveStopTimeout(stopTimeout, slog.New(slog.NewTextHandler(io.Discard, nil)))

	fmt.Fprintf(out, "Stopping abuse-gate server (PID %d), waiting up to %s for pending violations to flush...\n", pid, wait)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	if waitForExit(func() bool { return processIsAlive(proc) }, wait, stopPollInterval, time.Sleep) {
		os.Remove(pidPath)
		fmt.Fprintln(out, "Server stopped.")
		return nil
	}

	fmt.Fprintf(out, "Server still running after %s, killing it. Unflushed violations are lost.\n", wait)
	_ = proc.Kill()
	os.Remove(pidPath)
	fmt.Fprintln(out, "Server killed.")
	return nil
}

// resolveStopTimeout returns flag when set, otherwise the configured
// shutdown timeout plus the recorder flush budget.
func resolveStopTimeout(flag time.Duration, logger *slog.Logger) time.Duration {
	if flag > 0 {
		return flag
	}
	shutdown := 10 * time.Second
	if cfg, err := config.LoadConfigRaw(); err == nil {
		shutdown = durationOr(logger, "server.shutdown_timeout", cfg.Server.ShutdownTimeout, shutdown)
	}
	return shutdown + recorderFlushGrace
}

// waitForExit polls alive until it reports false or timeout elapses.
// It reports whether the process exited.
func waitForExit(alive func() bool, timeout, poll time.Duration, sleep func(time.Duration)) bool {
	for waited := time.Duration(0); waited < timeout; waited += poll {
		sleep(poll)
		if !alive() {
			return true
		}
	}
	return false
}

// readPIDFile returns the PID stored at path, or 0 if the file is missing
// or malformed.
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
