package paths

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
)

const appName = "vpnward"

// HomeDir returns the invoking user's home directory. Credential commands
// usually run under sudo, and the database and config should stay in the
// same place either way.
func HomeDir() (string, error) {
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		if u, err := user.Lookup(sudoUser); err == nil {
			return u.HomeDir, nil
		}
	}
	return os.UserHomeDir()
}

// RealUser returns the uid and gid from SUDO_UID / SUDO_GID.
func RealUser() (uid, gid int, ok bool) {
	u, err := strconv.Atoi(os.Getenv("SUDO_UID"))
	if err != nil {
		return 0, 0, false
	}
	g, _ := strconv.Atoi(os.Getenv("SUDO_GID"))
	return u, g, true
}

// ChownToRealUser hands path back to the sudo caller. No-op without sudo.
func ChownToRealUser(path string) error {
	uid, gid, ok := RealUser()
	if !ok {
		return nil
	}
	return os.Chown(path, uid, gid)
}

func ensure(elem ...string) (string, error) {
	home, err := HomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(append([]string{home}, elem...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	_ = ChownToRealUser(dir)
	return dir, nil
}

// DataDir returns ~/.local/share/vpnward, which holds the database and
// generated client profiles.
func DataDir() (string, error) {
	return ensure(".local", "share", appName)
}

// ConfigDir returns ~/.config/vpnward.
func ConfigDir() (string, error) {
	return ensure(".config", appName)
}
