//go:build windows

package cmd

import (
	"os"

	"golang.org/x/sys/windows"
)

// exitCodeStillActive is what GetExitCodeProcess reports while the server
// is running.
const exitCodeStillActive = 259

// gracefulSignals are the signals that trigger a drain-and-flush shutdown.
// Only os.Interrupt (Ctrl+C in the server console) exists on Windows.
func gracefulSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// processIsAlive queries the server's exit code through a limited handle.
func processIsAlive(proc *os.Process) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(proc.Pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == exitCodeStillActive
}

// sendGracefulStop terminates the server. Another process cannot deliver
// Ctrl+C to it, so violations still queued in the recorder are lost.
func sendGracefulStop(proc *os.Process) error {
	return proc.Kill()
}
