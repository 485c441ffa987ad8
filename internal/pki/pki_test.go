package pki

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "vpnward/pkg/errors"
)

func TestSanitizeIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
		err      error
	}{
		{"alice", "alice", nil},
		{"bob smith", "bob_smith", nil},
		{"carol.laptop", "carol_laptop", nil},
		{"dave-01_x", "dave-01_x", nil},
		{"  ", "", pkgerrors.ErrInvalidIdentity},
	}
	for _, tt := range tests {
		got, err := SanitizeIdentity(tt.in)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

// fakeManagement accepts one connection and answers a kill command.
func fakeManagement(t *testing.T, reply string) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	got := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = conn.Write([]byte(">INFO:OpenVPN Management Interface Version 5\r\n"))
		line, _ := bufio.NewReader(conn).ReadString('\n')
		got <- strings.TrimSpace(line)
		_, _ = conn.Write([]byte(reply + "\r\n"))
	}()
	return ln.Addr().String(), got
}

func TestManagementKill(t *testing.T) {
	t.Parallel()

	addr, got := fakeManagement(t, "SUCCESS: common name 'alice' found, 1 client(s) killed")
	m := NewManagement(addr, time.Second)

	require.NoError(t, m.Kill(context.Background(), "alice"))
	assert.Equal(t, "kill alice", <-got)
}

func TestManagementKillNotFound(t *testing.T) {
	t.Parallel()

	addr, _ := fakeManagement(t, "ERROR: common name 'bob' not found")
	m := NewManagement(addr, time.Second)

	err := m.Kill(context.Background(), "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestManagementDisabled(t *testing.T) {
	t.Parallel()

	err := NewManagement("", time.Second).Kill(context.Background(), "alice")
	assert.ErrorIs(t, err, pkgerrors.ErrManagementUnavailable)
}

// fakeEasyRSA lays out a minimal easy-rsa directory with a stub script.
func fakeEasyRSA(t *testing.T, script string) Config {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stub")
	}
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pki", "issued"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "easyrsa"), []byte(script), 0755))

	config := DefaultConfig()
	config.Dir = dir
	config.CRLPath = filepath.Join(dir, "installed-crl.pem")
	config.ClientDir = filepath.Join(dir, "clients")
	config.ManagementAddr = ""
	config.PIDFile = ""
	config.Timeout = 5 * time.Second
	return config
}

func TestRevokeMissingCertificate(t *testing.T) {
	t.Parallel()

	e := New(fakeEasyRSA(t, "#!/bin/sh\nexit 0\n"))
	err := e.Revoke(context.Background(), "ghost")

	var toolErr *pkgerrors.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.ErrorIs(t, err, pkgerrors.ErrCredentialNotFound)
}

func TestRevokeInstallsCRL(t *testing.T) {
	t.Parallel()

	script := `#!/bin/sh
case "$3" in
gen-crl) echo "CRL" > pki/crl.pem ;;
esac
exit 0
`
	config := fakeEasyRSA(t, script)
	require.NoError(t, os.WriteFile(filepath.Join(config.Dir, "pki", "issued", "alice.crt"), []byte("cert"), 0644))
	require.NoError(t, os.MkdirAll(config.ClientDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(config.ClientDir, "alice.ovpn"), []byte("profile"), 0600))

	e := New(config)
	require.NoError(t, e.Revoke(context.Background(), "alice"))

	crl, err := os.ReadFile(config.CRLPath)
	require.NoError(t, err)
	assert.Equal(t, "CRL\n", string(crl))
	assert.NoFileExists(t, filepath.Join(config.ClientDir, "alice.ovpn"))
}

func TestRunSurfacesToolOutput(t *testing.T) {
	t.Parallel()

	script := "#!/bin/sh\necho 'Unable to revoke as no certificate was found' >&2\nexit 1\n"
	config := fakeEasyRSA(t, script)
	require.NoError(t, os.WriteFile(filepath.Join(config.Dir, "pki", "issued", "bob.crt"), []byte("cert"), 0644))

	err := New(config).Revoke(context.Background(), "bob")

	var toolErr *pkgerrors.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "revoke", toolErr.Op)
	assert.Contains(t, toolErr.Message, "no certificate was found")
}

func TestIssueRejectsExisting(t *testing.T) {
	t.Parallel()

	config := fakeEasyRSA(t, "#!/bin/sh\nexit 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(config.Dir, "pki", "issued", "alice.crt"), []byte("cert"), 0644))

	_, err := New(config).Issue(context.Background(), "alice", 30)
	assert.ErrorIs(t, err, pkgerrors.ErrCredentialExists)
}

func TestForceDisconnectReportsWhenNothingWorked(t *testing.T) {
	t.Parallel()

	e := New(fakeEasyRSA(t, "#!/bin/sh\nexit 0\n"))
	err := e.ForceDisconnect(context.Background(), "alice")
	assert.ErrorIs(t, err, pkgerrors.ErrManagementUnavailable)
}
