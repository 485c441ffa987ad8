package status

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	pkgerrors "vpnward/pkg/errors"
)

// DefaultPaths lists where OpenVPN installs commonly write the status file.
var DefaultPaths = []string{
	"/var/log/openvpn/openvpn-status.log",
	"/etc/openvpn/server/openvpn-status.log",
	"/run/openvpn-server/status-server.log",
	"/var/log/openvpn/status.log",
	"/var/log/openvpn-status.log",
	"/etc/openvpn/openvpn-status.log",
	"/tmp/openvpn-status.log",
	"/usr/local/etc/openvpn/openvpn-status.log",
}

// FileSourceConfig represents status file source configuration
type FileSourceConfig struct {
	Path     string        // explicit path; empty searches Candidates
	Timeout  time.Duration // bound on a single read
	Location *time.Location
}

// DefaultFileSourceConfig returns default source configuration
func DefaultFileSourceConfig() FileSourceConfig {
	return FileSourceConfig{
		Timeout:  5 * time.Second,
		Location: time.Local,
	}
}

// FileSource reads connection snapshots from an OpenVPN status file.
type FileSource struct {
	path       string
	candidates []string
	timeout    time.Duration
	loc        *time.Location
}

// NewFileSource creates a new status file source
func NewFileSource(config FileSourceConfig) *FileSource {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	return &FileSource{
		path:       config.Path,
		candidates: DefaultPaths,
		timeout:    config.Timeout,
		loc:        config.Location,
	}
}

// Resolve returns the status file that will be read.
func (s *FileSource) Resolve() (string, error) {
	if s.path != "" {
		if _, err := os.Stat(s.path); err != nil {
			return "", &pkgerrors.SourceError{Path: s.path, Err: pkgerrors.ErrStatusFileNotFound}
		}
		return s.path, nil
	}
	for _, p := range s.candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", &pkgerrors.SourceError{Err: pkgerrors.ErrStatusFileNotFound}
}

// Snapshot reads and parses the status file within the configured timeout.
// Every failure is returned as a *errors.SourceError.
func (s *FileSource) Snapshot(ctx context.Context) ([]Connection, error) {
	path, err := s.Resolve()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := os.ReadFile(path)
		done <- result{data: data, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, &pkgerrors.SourceError{Path: path, Err: fmt.Errorf("read timed out: %w", ctx.Err())}
	case res = <-done:
	}
	if res.err != nil {
		return nil, &pkgerrors.SourceError{Path: path, Err: res.err}
	}

	conns, err := Parse(bytes.NewReader(res.data), s.loc)
	if err != nil {
		return nil, &pkgerrors.SourceError{Path: path, Err: err}
	}
	return conns, nil
}
