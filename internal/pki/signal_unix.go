//go:build !windows

package pki

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// reloadServer sends SIGUSR1 to the OpenVPN server so it re-reads its CRL
// without dropping unaffected clients.
func reloadServer(pidFile string) error {
	if pidFile == "" {
		return fmt.Errorf("no pid file configured")
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return fmt.Errorf("invalid pid in %s", pidFile)
	}
	return unix.Kill(pid, unix.SIGUSR1)
}
