package pki

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	pkgerrors "vpnward/pkg/errors"
)

var unsafeNameChars = regexp.MustCompile(`[^0-9A-Za-z_-]`)

// SanitizeIdentity maps a requested client name onto the character set the
// PKI accepts. An empty result is rejected.
func SanitizeIdentity(name string) (string, error) {
	clean := unsafeNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	if clean == "" {
		return "", pkgerrors.ErrInvalidIdentity
	}
	return clean, nil
}

// Config represents easy-rsa and OpenVPN server locations
type Config struct {
	Dir            string // easy-rsa root containing the easyrsa script and pki/
	CRLPath        string // where the OpenVPN server reads its CRL
	ClientDir      string // generated .ovpn output
	CommonPath     string // client-common.txt template
	TLSCryptPath   string
	ManagementAddr string
	PIDFile        string
	Timeout        time.Duration
}

// DefaultConfig returns the layout used by the common openvpn-install setup.
func DefaultConfig() Config {
	return Config{
		Dir:            "/etc/openvpn/server/easy-rsa",
		CRLPath:        "/etc/openvpn/server/crl.pem",
		CommonPath:     "/etc/openvpn/server/client-common.txt",
		TLSCryptPath:   "/etc/openvpn/server/tc.key",
		ManagementAddr: "127.0.0.1:7505",
		PIDFile:        "/run/openvpn-server/server.pid",
		Timeout:        30 * time.Second,
	}
}

// EasyRSA issues and revokes client credentials with the easyrsa script
// and disconnects clients through the OpenVPN management interface.
type EasyRSA struct {
	config Config
	mgmt   *Management
}

// New creates easy-rsa backed credential operations.
func New(config Config) *EasyRSA {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &EasyRSA{
		config: config,
		mgmt:   NewManagement(config.ManagementAddr, 2*time.Second),
	}
}

func (e *EasyRSA) script() string {
	return filepath.Join(e.config.Dir, "easyrsa")
}

func (e *EasyRSA) certPath(identity string) string {
	return filepath.Join(e.config.Dir, "pki", "issued", identity+".crt")
}

// ProfilePath returns where the identity's .ovpn profile is written.
func (e *EasyRSA) ProfilePath(identity string) string {
	return filepath.Join(e.config.ClientDir, identity+".ovpn")
}

// Exists reports whether an issued certificate is present for identity.
func (e *EasyRSA) Exists(identity string) bool {
	_, err := os.Stat(e.certPath(identity))
	return err == nil
}

// run executes the easyrsa script in batch mode within the tool timeout.
// A non-zero exit becomes a ToolError carrying the script's own output.
func (e *EasyRSA) run(ctx context.Context, op, identity string, args ...string) error {
	if _, err := os.Stat(e.script()); err != nil {
		return &pkgerrors.ToolError{Op: op, Identity: identity, Err: pkgerrors.ErrToolNotFound}
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "./easyrsa", append([]string{"--batch"}, args...)...)
	cmd.Dir = e.config.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("timed out after %s: %w", e.config.Timeout, ctx.Err())
		}
		return &pkgerrors.ToolError{Op: op, Identity: identity, Message: msg, Err: err}
	}
	return nil
}

// Issue builds a client certificate valid for days and writes its .ovpn
// profile. It returns the profile path.
func (e *EasyRSA) Issue(ctx context.Context, identity string, days int) (string, error) {
	if days <= 0 {
		return "", pkgerrors.ErrInvalidExpiry
	}
	if e.Exists(identity) {
		return "", &pkgerrors.ToolError{Op: "issue", Identity: identity, Err: pkgerrors.ErrCredentialExists}
	}

	if err := e.run(ctx, "issue", identity, "--days="+strconv.Itoa(days), "build-client-full", identity, "nopass"); err != nil {
		return "", err
	}

	path, err := e.writeProfile(identity)
	if err != nil {
		return "", &pkgerrors.ToolError{Op: "issue", Identity: identity, Message: "certificate issued but profile not written", Err: err}
	}
	log.Printf("pki: issued %s for %d days", identity, days)
	return path, nil
}

func (e *EasyRSA) writeProfile(identity string) (string, error) {
	pkiDir := filepath.Join(e.config.Dir, "pki")
	parts := []struct {
		tag  string
		path string
	}{
		{"ca", filepath.Join(pkiDir, "ca.crt")},
		{"cert", e.certPath(identity)},
		{"key", filepath.Join(pkiDir, "private", identity+".key")},
		{"tls-crypt", e.config.TLSCryptPath},
	}

	common, err := os.ReadFile(e.config.CommonPath)
	if err != nil {
		return "", fmt.Errorf("failed to read client template: %w", err)
	}
	if len(bytes.TrimSpace(common)) == 0 {
		return "", fmt.Errorf("client template %s is empty", e.config.CommonPath)
	}

	var buf bytes.Buffer
	buf.Write(common)
	buf.WriteString("\n")
	for _, p := range parts {
		data, err := os.ReadFile(p.path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", p.tag, err)
		}
		fmt.Fprintf(&buf, "<%s>\n%s</%s>\n", p.tag, data, p.tag)
	}

	if err := os.MkdirAll(e.config.ClientDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create client directory: %w", err)
	}
	path := e.ProfilePath(identity)
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return "", fmt.Errorf("failed to write profile: %w", err)
	}
	return path, nil
}

// Revoke revokes the identity's certificate, regenerates the CRL and
// installs it where the server reads it. The profile is removed.
func (e *EasyRSA) Revoke(ctx context.Context, identity string) error {
	if !e.Exists(identity) {
		return &pkgerrors.ToolError{Op: "revoke", Identity: identity, Err: pkgerrors.ErrCredentialNotFound}
	}
	if err := e.run(ctx, "revoke", identity, "revoke", identity); err != nil {
		return err
	}
	if err := e.run(ctx, "gen-crl", identity, "--days=3650", "gen-crl"); err != nil {
		return err
	}
	if err := e.installCRL(); err != nil {
		return &pkgerrors.ToolError{Op: "install-crl", Identity: identity, Err: err}
	}

	if err := os.Remove(e.ProfilePath(identity)); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("pki: failed to remove profile for %s: %v", identity, err)
	}
	log.Printf("pki: revoked %s", identity)
	return nil
}

func (e *EasyRSA) installCRL() error {
	data, err := os.ReadFile(filepath.Join(e.config.Dir, "pki", "crl.pem"))
	if err != nil {
		return fmt.Errorf("failed to read generated CRL: %w", err)
	}
	tmp := e.config.CRLPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write CRL: %w", err)
	}
	return os.Rename(tmp, e.config.CRLPath)
}

// ForceDisconnect kills the client's live connection through the
// management interface, then asks the server to reload its CRL.
// Both steps are best-effort; the error reports only when neither worked.
func (e *EasyRSA) ForceDisconnect(ctx context.Context, identity string) error {
	killErr := e.mgmt.Kill(ctx, identity)
	if killErr == nil {
		log.Printf("pki: disconnected %s via management interface", identity)
	}

	reloadErr := reloadServer(e.config.PIDFile)
	if reloadErr != nil {
		log.Printf("pki: CRL reload signal not sent: %v", reloadErr)
	}

	if killErr != nil && reloadErr != nil {
		return fmt.Errorf("disconnect %s: %w", identity, killErr)
	}
	return nil
}
