// Package nativeclient is the opaque bridge over gotd/td's MTProto engine
// (spec §1 treats the native client as an opaque command/event bus). Unlike
// the teacher's global per-process client, one Bridge is constructed per
// bot Client, since this gateway runs many isolated bots concurrently
// rather than a single userbot session.
//
// session.go adapts the teacher's FileStorage
// (internal/infra/telegram/session/session_storage.go) from a
// global-connection-manager notification to a per-Bridge ready callback.
package nativeclient

import (
	"context"
	"fmt"
	"os"
	"sync"

	"botapigateway/internal/infra/storage"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
)

// FileSessionStorage implements tdsession.Storage over a per-bot session
// file, calling onStore (if non-nil) after each successful persist. The
// Bridge constructs it with a no-op onStore, so nothing else observes
// this signal.
type FileSessionStorage struct {
	Path    string
	onStore func()

	mux sync.Mutex
}

var _ tdsession.Storage = (*FileSessionStorage)(nil)

// NewFileSessionStorage constructs a per-bot session file storage.
func NewFileSessionStorage(path string, onStore func()) *FileSessionStorage {
	return &FileSessionStorage{Path: path, onStore: onStore}
}

func (f *FileSessionStorage) LoadSession(_ context.Context) ([]byte, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

func (f *FileSessionStorage) StoreSession(_ context.Context, data []byte) error {
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}
	if f.onStore != nil {
		f.onStore()
	}
	return nil
}
