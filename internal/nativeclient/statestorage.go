package nativeclient

// statestorage.go adapts the teacher's fileStorage
// (internal/adapters/telegram/core/state_storage.go) — a JSON-file-backed
// implementation of gotd's tgupdates.StateStorage — from a single global
// file to one file per bot Client, using this module's storage
// utilities in place of the teacher's own logger calls.

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"botapigateway/internal/infra/storage"

	"github.com/go-faster/errors"
	tgupdates "github.com/gotd/td/telegram/updates"
)

type persistedState struct {
	States   map[int64]tgupdates.State `json:"states"`
	Channels map[int64]map[int64]int   `json:"channels"`
}

// FileStateStorage is one bot's updates.Manager state store.
type FileStateStorage struct {
	path string

	mux      sync.Mutex
	loaded   bool
	states   map[int64]tgupdates.State
	channels map[int64]map[int64]int
}

var _ tgupdates.StateStorage = (*FileStateStorage)(nil)

// NewFileStateStorage creates a lazily-loaded state store at path.
func NewFileStateStorage(path string) *FileStateStorage {
	return &FileStateStorage{
		path:     path,
		states:   map[int64]tgupdates.State{},
		channels: map[int64]map[int64]int{},
	}
}

func ensurePersistedState(path string) (persistedState, error) {
	if err := storage.EnsureDir(path); err != nil {
		return persistedState{}, err
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) || len(raw) == 0 {
		p := persistedState{States: map[int64]tgupdates.State{}, Channels: map[int64]map[int64]int{}}
		enc, mErr := json.MarshalIndent(p, "", "  ")
		if mErr != nil {
			return persistedState{}, fmt.Errorf("encode default state: %w", mErr)
		}
		if wErr := storage.AtomicWriteFile(path, enc); wErr != nil {
			return persistedState{}, fmt.Errorf("init state file: %w", wErr)
		}
		return p, nil
	}
	if err != nil {
		return persistedState{}, fmt.Errorf("read state: %w", err)
	}

	var p persistedState
	if uErr := json.Unmarshal(raw, &p); uErr != nil {
		p = persistedState{States: map[int64]tgupdates.State{}, Channels: map[int64]map[int64]int{}}
		enc, mErr := json.MarshalIndent(p, "", "  ")
		if mErr != nil {
			return persistedState{}, fmt.Errorf("encode default state: %w", mErr)
		}
		if wErr := storage.AtomicWriteFile(path, enc); wErr != nil {
			return persistedState{}, fmt.Errorf("rewrite default state: %w", wErr)
		}
		return p, nil
	}
	if p.States == nil {
		p.States = map[int64]tgupdates.State{}
	}
	if p.Channels == nil {
		p.Channels = map[int64]map[int64]int{}
	}
	return p, nil
}

func (f *FileStateStorage) load() error {
	if f.loaded {
		return nil
	}
	p, err := ensurePersistedState(f.path)
	if err != nil {
		return err
	}
	f.states = p.States
	f.channels = p.Channels
	f.loaded = true
	return nil
}

func (f *FileStateStorage) persist() error {
	enc, err := json.MarshalIndent(persistedState{States: f.states, Channels: f.channels}, "", "  ")
	if err != nil {
		return err
	}
	return storage.AtomicWriteFile(f.path, enc)
}

func (f *FileStateStorage) GetState(_ context.Context, userID int64) (tgupdates.State, bool, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return tgupdates.State{}, false, err
	}
	st, ok := f.states[userID]
	return st, ok, nil
}

func (f *FileStateStorage) SetState(_ context.Context, userID int64, state tgupdates.State) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	f.states[userID] = state
	f.channels[userID] = map[int64]int{}
	return f.persist()
}

func (f *FileStateStorage) SetPts(_ context.Context, userID int64, pts int) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	st, ok := f.states[userID]
	if !ok {
		return errors.New("state not found")
	}
	st.Pts = pts
	f.states[userID] = st
	return f.persist()
}

func (f *FileStateStorage) SetQts(_ context.Context, userID int64, qts int) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	st, ok := f.states[userID]
	if !ok {
		return errors.New("state not found")
	}
	st.Qts = qts
	f.states[userID] = st
	return f.persist()
}

func (f *FileStateStorage) SetDate(_ context.Context, userID int64, date int) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	st, ok := f.states[userID]
	if !ok {
		return errors.New("state not found")
	}
	st.Date = date
	f.states[userID] = st
	return f.persist()
}

func (f *FileStateStorage) SetSeq(_ context.Context, userID int64, seq int) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	st, ok := f.states[userID]
	if !ok {
		return errors.New("state not found")
	}
	st.Seq = seq
	f.states[userID] = st
	return f.persist()
}

func (f *FileStateStorage) SetDateSeq(_ context.Context, userID int64, date, seq int) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	st, ok := f.states[userID]
	if !ok {
		return errors.New("state not found")
	}
	st.Date = date
	st.Seq = seq
	f.states[userID] = st
	return f.persist()
}

func (f *FileStateStorage) SetChannelPts(_ context.Context, userID, channelID int64, pts int) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	chans, ok := f.channels[userID]
	if !ok {
		return errors.New("user state does not exist")
	}
	chans[channelID] = pts
	return f.persist()
}

func (f *FileStateStorage) GetChannelPts(_ context.Context, userID, channelID int64) (int, bool, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return 0, false, err
	}
	chans, ok := f.channels[userID]
	if !ok {
		return 0, false, nil
	}
	pts, ok := chans[channelID]
	return pts, ok, nil
}

func (f *FileStateStorage) ForEachChannels(ctx context.Context, userID int64, fn func(ctx context.Context, channelID int64, pts int) error) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	chans, ok := f.channels[userID]
	if !ok {
		return errors.New("channels map does not exist")
	}
	for id, pts := range chans {
		if err := fn(ctx, id, pts); err != nil {
			return err
		}
	}
	return nil
}
