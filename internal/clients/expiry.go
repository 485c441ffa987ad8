package clients

import (
	"fmt"
	"strconv"
	"strings"

	pkgerrors "vpnward/pkg/errors"
)

const (
	// MaxEphemeralHours bounds auto_<N>h credentials to thirty days.
	MaxEphemeralHours = 720
	// MaxDays bounds regular certificate lifetimes.
	MaxDays = 36500
	// DefaultDays is used when no expiry is given.
	DefaultDays = 3650
)

// Expiry is a credential lifetime. Ephemeral credentials get a certificate
// covering Hours rounded up to whole days plus a scheduled revocation after
// Hours.
type Expiry struct {
	Days  int
	Hours int
}

// Ephemeral reports whether the credential is revoked by schedule.
func (e Expiry) Ephemeral() bool {
	return e.Hours > 0
}

func (e Expiry) String() string {
	if e.Ephemeral() {
		return fmt.Sprintf("auto_%dh", e.Hours)
	}
	return fmt.Sprintf("%d days", e.Days)
}

// ParseExpiry accepts a day count ("3650") or an ephemeral lifetime
// ("auto_2h"). An empty value means DefaultDays.
func ParseExpiry(value string) (Expiry, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return Expiry{Days: DefaultDays}, nil
	}

	if strings.HasPrefix(value, "auto_") && strings.HasSuffix(value, "h") {
		hours, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(value, "auto_"), "h"))
		if err != nil || hours < 1 || hours > MaxEphemeralHours {
			return Expiry{}, fmt.Errorf("%w: %q (hours must be 1-%d)", pkgerrors.ErrInvalidExpiry, value, MaxEphemeralHours)
		}
		return Expiry{Days: (hours + 23) / 24, Hours: hours}, nil
	}

	days, err := strconv.Atoi(value)
	if err != nil || days < 1 || days > MaxDays {
		return Expiry{}, fmt.Errorf("%w: %q", pkgerrors.ErrInvalidExpiry, value)
	}
	return Expiry{Days: days}, nil
}
