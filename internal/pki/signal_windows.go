//go:build windows

package pki

import "fmt"

func reloadServer(pidFile string) error {
	return fmt.Errorf("CRL reload signal is not supported on windows")
}
