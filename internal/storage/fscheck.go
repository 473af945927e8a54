package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNetworkFilesystem is returned for database paths on network mounts,
// where neither sqlite nor the server lock can rely on file locking.
var ErrNetworkFilesystem = errors.New("network filesystem")

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// CheckLocalFilesystem reports whether path, or its nearest existing
// ancestor, lives on a local filesystem.
func CheckLocalFilesystem(path string) error {
	return checkLocalFilesystem(path, filesystemType)
}

func checkLocalFilesystem(path string, detect func(string) (string, error)) error {
	if path == "" {
		return fmt.Errorf("sqlite path is empty")
	}
	existing, err := nearestExisting(path)
	if err != nil {
		return err
	}
	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem of %s: %w", existing, err)
	}
	if _, remote := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]; remote {
		return fmt.Errorf("state path %s is on %s: %w; point state.path at a local disk", path, fsType, ErrNetworkFilesystem)
	}
	return nil
}

// nearestExisting walks up from path until it finds something that exists.
func nearestExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolute path of %s: %w", path, err)
	}
	for p := abs; ; p = filepath.Dir(p) {
		_, err := os.Stat(p)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", p, err)
		}
		if filepath.Dir(p) == p {
			return "", fmt.Errorf("no existing ancestor of %s", abs)
		}
	}
}
