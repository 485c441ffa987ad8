package clients

import (
	"context"
	"errors"
	"log"

	"vpnward/internal/pki"
	"vpnward/internal/storage/models"
	pkgerrors "vpnward/pkg/errors"
)

// Ops is the credential tooling behind the lifecycle flows.
type Ops interface {
	Issue(ctx context.Context, identity string, days int) (string, error)
	Revoke(ctx context.Context, identity string) error
	ForceDisconnect(ctx context.Context, identity string) error
	Exists(identity string) bool
}

// Scheduler arms and cancels automatic revocations.
type Scheduler interface {
	Schedule(ctx context.Context, identity string, hours int) (*models.EphemeralSchedule, error)
	Cancel(ctx context.Context, identity string) error
}

// Result represents the outcome of a lifecycle flow
type Result struct {
	Identity    string                    `json:"identity"`
	Expiry      string                    `json:"expiry,omitempty"`
	ProfilePath string                    `json:"profile_path,omitempty"`
	Schedule    *models.EphemeralSchedule `json:"schedule,omitempty"`
	Cancelled   bool                      `json:"cancelled"`
}

// Manager runs the issue, renew, restore and revoke flows. Tool failures
// are returned as they are and never retried.
type Manager struct {
	ops       Ops
	scheduler Scheduler
}

// NewManager creates a new client manager
func NewManager(ops Ops, scheduler Scheduler) *Manager {
	return &Manager{ops: ops, scheduler: scheduler}
}

func prepare(name, expiry string) (string, Expiry, error) {
	identity, err := pki.SanitizeIdentity(name)
	if err != nil {
		return "", Expiry{}, err
	}
	exp, err := ParseExpiry(expiry)
	if err != nil {
		return "", Expiry{}, err
	}
	return identity, exp, nil
}

// Issue creates a new credential, scheduling its revocation when ephemeral.
func (m *Manager) Issue(ctx context.Context, name, expiry string) (*Result, error) {
	identity, exp, err := prepare(name, expiry)
	if err != nil {
		return nil, err
	}
	return m.issue(ctx, &Result{Identity: identity}, exp)
}

// Renew replaces an existing credential with a fresh one.
func (m *Manager) Renew(ctx context.Context, name, expiry string) (*Result, error) {
	identity, exp, err := prepare(name, expiry)
	if err != nil {
		return nil, err
	}
	if !m.ops.Exists(identity) {
		return nil, &pkgerrors.ToolError{Op: "renew", Identity: identity, Err: pkgerrors.ErrCredentialNotFound}
	}

	result := &Result{Identity: identity}
	if result.Cancelled, err = m.cancel(ctx, identity); err != nil {
		return result, err
	}
	if err := m.ops.Revoke(ctx, identity); err != nil {
		return result, err
	}
	return m.issue(ctx, result, exp)
}

// Restore issues a new credential for a previously revoked identity.
func (m *Manager) Restore(ctx context.Context, name, expiry string) (*Result, error) {
	identity, exp, err := prepare(name, expiry)
	if err != nil {
		return nil, err
	}
	if m.ops.Exists(identity) {
		return nil, &pkgerrors.ToolError{Op: "restore", Identity: identity, Err: pkgerrors.ErrCredentialExists}
	}

	result := &Result{Identity: identity}
	if result.Cancelled, err = m.cancel(ctx, identity); err != nil {
		return result, err
	}
	return m.issue(ctx, result, exp)
}

// Revoke cancels any pending schedule, revokes the credential and drops
// its live connection.
func (m *Manager) Revoke(ctx context.Context, name string) (*Result, error) {
	identity, err := pki.SanitizeIdentity(name)
	if err != nil {
		return nil, err
	}

	result := &Result{Identity: identity}
	if result.Cancelled, err = m.cancel(ctx, identity); err != nil {
		return result, err
	}
	if err := m.ops.Revoke(ctx, identity); err != nil {
		return result, err
	}
	if err := m.ops.ForceDisconnect(ctx, identity); err != nil {
		log.Printf("clients: disconnect %s: %v", identity, err)
	}
	return result, nil
}

func (m *Manager) issue(ctx context.Context, result *Result, exp Expiry) (*Result, error) {
	path, err := m.ops.Issue(ctx, result.Identity, exp.Days)
	if err != nil {
		return result, err
	}
	result.ProfilePath = path
	result.Expiry = exp.String()

	if exp.Ephemeral() {
		schedule, err := m.scheduler.Schedule(ctx, result.Identity, exp.Hours)
		if err != nil {
			return result, err
		}
		result.Schedule = schedule
	}
	return result, nil
}

// cancel clears any pending revocation. Having nothing to cancel is fine.
func (m *Manager) cancel(ctx context.Context, identity string) (bool, error) {
	err := m.scheduler.Cancel(ctx, identity)
	if errors.Is(err, pkgerrors.ErrNothingToCancel) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
