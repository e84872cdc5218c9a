package creds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// peerKeyPrefixes name the high-churn per-peer key files the protocol client
// keeps next to the core bundle. They are not needed to resume an identity.
var peerKeyPrefixes = []string{"session-", "pre-key-", "sender-key-", "app-state-"}

// IsPeerKeyFile reports whether name is per-peer key material.
func IsPeerKeyFile(name string) bool {
	for _, p := range peerKeyPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Path returns the path of the core bundle inside dir.
func Path(dir string) string { return filepath.Join(dir, BundleFile) }

// Exists reports whether dir holds a bundle file, valid or not.
func Exists(dir string) bool {
	_, err := os.Stat(Path(dir))
	return err == nil
}

// Load reads and validates the bundle in dir. The raw bytes are returned even
// when validation fails so callers can archive them.
func Load(dir string) ([]byte, Report, error) {
	raw, err := os.ReadFile(Path(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, Report{}, ErrNoBundle
	}
	if err != nil {
		return nil, Report{}, fmt.Errorf("read bundle: %w", err)
	}
	rep := Validate(raw)
	return raw, rep, rep.Err()
}

// Save atomically replaces the bundle in dir.
func Save(dir string, raw []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	return WriteFile(Path(dir), raw, 0o600)
}

// SaveKey atomically writes a per-peer key file into dir.
func SaveKey(dir, name string, raw []byte) error {
	if name != filepath.Base(name) || name == BundleFile {
		return fmt.Errorf("invalid key file name %q", name)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	return WriteFile(filepath.Join(dir, name), raw, 0o600)
}

// Erase removes every credential file in dir, keeping the directory.
func Erase(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CopyFile copies src to dst through WriteFile.
func CopyFile(src, dst string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	return WriteFile(dst, b, 0o600)
}

// WriteFile writes bytes via a temp file, then atomically replaces the target.
func WriteFile(path string, b []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	// Best-effort cleanup if anything fails before rename.
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
