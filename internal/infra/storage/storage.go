// Package storage provides the crash-safe local file primitives the
// gateway's per-Client state relies on: MTProto session blobs, the
// updates-manager state file, and the uploaded webhook certificate must
// never be left half-written if the process dies mid-save, since a Client
// reloads whatever it finds on disk at startup with no separate integrity
// check. The webhook/TQueue bbolt files are written by bbolt itself, not
// through this package.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"botapigateway/internal/infra/logger"
)

// defaultFilePerm restricts a written file to its owning process; every
// file this package writes holds an MTProto session, update state, or a
// webhook certificate, none of which should be group- or world-readable.
const defaultFilePerm = 0600

// EnsureDir makes sure path's parent directory exists, creating it
// (mode 0700) if necessary. A path with no directory component is a no-op.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile writes data to path so that a reader never observes a
// partial file: it writes to a temp file in the same directory, fsyncs
// the temp file's contents, chmods it to defaultFilePerm, closes it,
// renames it over path, then best-effort fsyncs the directory entry.
//
// os.Rename is atomic only within one filesystem volume, so the temp
// file is always created alongside the destination rather than under
// a shared system temp dir. The directory fsync is best-effort and
// silently skipped where the OS/filesystem doesn't support it (e.g.
// Windows); it only hardens the rename's metadata durability, not its
// atomicity.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Logger().Warn("atomic write: directory fsync failed",
				zap.String("dir", dir), zap.Error(errSync))
		}
		_ = dirFile.Close()
	}
	return nil
}

// PruneTempFiles removes leftover atomic-*.tmp files from dir — debris
// from a process that crashed between CreateTemp and the deferred
// os.Remove in AtomicWriteFile. A Client calls this once against its own
// storage directory on startup (§5), before touching any session or
// queue file in it.
func PruneTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !matchTempName(name) {
			continue
		}
		full := filepath.Join(dir, name)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale temp file %s: %w", full, err)
		}
	}
	return nil
}

func matchTempName(name string) bool {
	const prefix, suffix = "atomic-", ".tmp"
	if len(name) < len(prefix)+len(suffix) {
		return false
	}
	return name[:len(prefix)] == prefix && name[len(name)-len(suffix):] == suffix
}
