package pki

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	pkgerrors "vpnward/pkg/errors"
)

// Management talks to the OpenVPN management interface over TCP.
type Management struct {
	addr    string
	timeout time.Duration
}

// NewManagement creates a management client. An empty addr disables it.
func NewManagement(addr string, timeout time.Duration) *Management {
	return &Management{addr: addr, timeout: timeout}
}

// Kill disconnects every live session of the given common name.
func (m *Management) Kill(ctx context.Context, identity string) error {
	reply, err := m.command(ctx, "kill "+identity)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(reply, "SUCCESS:") {
		return fmt.Errorf("management kill %s: %s", identity, reply)
	}
	return nil
}

// command sends one line and returns the first SUCCESS: or ERROR: reply.
// Real-time notifications (lines starting with '>') are skipped.
func (m *Management) command(ctx context.Context, line string) (string, error) {
	if m.addr == "" {
		return "", pkgerrors.ErrManagementUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", pkgerrors.ErrManagementUnavailable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return "", fmt.Errorf("management write: %w", err)
	}

	reader := bufio.NewReader(conn)
	for {
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("management read: %w", err)
		}
		reply = strings.TrimSpace(reply)
		if strings.HasPrefix(reply, "SUCCESS:") || strings.HasPrefix(reply, "ERROR:") {
			_, _ = fmt.Fprint(conn, "quit\n")
			return reply, nil
		}
	}
}
