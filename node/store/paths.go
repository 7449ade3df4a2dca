package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// WalletDir returns the directory holding the wallet database under datadir.
func WalletDir(datadir string) string {
	return filepath.Join(datadir, "wallet")
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}
