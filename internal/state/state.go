// Package state persists the exchange snapshot between runs.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"relaymesh/internal/proto"
)

const Version = 1

type UploadScope string

const (
	ScopeMine  UploadScope = "mine"
	ScopeOther UploadScope = "other"
)

type UploadRecord struct {
	Hash      proto.Hash  `json:"hash"`
	Scope     UploadScope `json:"scope"`
	CreatedAt int64       `json:"created_at"`
}

// Config is the part of the node configuration owned by the exchange.
type Config struct {
	MyAddresses     []proto.Address `json:"my_addresses"`
	ConnectionLimit int             `json:"connection_limit"`
}

type State struct {
	Version         int                   `json:"version"`
	Config          Config                `json:"config"`
	KnownAddresses  []proto.Address       `json:"known_addresses"`
	BroadcastClues  []proto.BroadcastClue `json:"broadcast_clues"`
	UnicastClues    []proto.UnicastClue   `json:"unicast_clues"`
	MulticastClues  []proto.MulticastClue `json:"multicast_clues"`
	Uploads         []UploadRecord        `json:"uploads"`
	DiffusionHashes []proto.Hash          `json:"diffusion_hashes"`
}

// FileStore keeps one JSON document, replaced atomically on Save.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

// Load returns an empty state when nothing has been saved yet.
func (s *FileStore) Load() (*State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &State{Version: Version}, nil
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", s.path, err)
	}
	if st.Version > Version {
		return nil, fmt.Errorf("state %s: unsupported version %d", s.path, st.Version)
	}
	return &st, nil
}

func (s *FileStore) Save(st *State) error {
	if st == nil {
		return errors.New("nil state")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename for windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	syncDir(s.path)
	return nil
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
