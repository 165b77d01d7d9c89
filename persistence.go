package graftchat

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	sessionsFileName = "sessions.snap"
	hiddenFileName   = "hidden.snap"
)

// Session is a room membership of a user.
type Session struct {
	User string
	Room string
}

// SnapshotStore persists the sessions owned by this replica and the hidden-client registry. Each save
// replaces the previous snapshot as a whole.
type SnapshotStore interface {
	SaveSessions(sessions []Session) error

	LoadSessions() ([]Session, error)

	SaveHidden(hidden map[int][]Session) error

	LoadHidden() (map[int][]Session, error)

	Close() error
}

func OpenSnapshotStore(backend string, dir string) (SnapshotStore, error) {
	switch backend {
	case "", FileSnapshotBackend:
		return OpenFileSnapshotStore(dir)
	case BadgerSnapshotBackend:
		return OpenBadgerSnapshotStore(filepath.Join(dir, "snapshots"))
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", backend)
	}
}

type fileSnapshotStore struct {
	dir string
}

func OpenFileSnapshotStore(dir string) (SnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &fileSnapshotStore{dir: dir}, nil
}

func (s *fileSnapshotStore) SaveSessions(sessions []Session) error {
	return s.save(sessionsFileName, sortedSessions(sessions))
}

func (s *fileSnapshotStore) LoadSessions() ([]Session, error) {
	var sessions []Session
	_, err := s.load(sessionsFileName, &sessions)
	return sessions, err
}

func (s *fileSnapshotStore) SaveHidden(hidden map[int][]Session) error {
	return s.save(hiddenFileName, hidden)
}

func (s *fileSnapshotStore) LoadHidden() (map[int][]Session, error) {
	var hidden map[int][]Session
	_, err := s.load(hiddenFileName, &hidden)
	return hidden, err
}

func (s *fileSnapshotStore) save(fname string, value any) error {
	data, err := gobEncode(value)
	if err != nil {
		return err
	}
	return writeFileAtomically(filepath.Join(s.dir, fname), data)
}

func (s *fileSnapshotStore) load(fname string, value any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, fname))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, gob.NewDecoder(bytes.NewReader(data)).Decode(value)
}

func (s *fileSnapshotStore) Close() error {
	return nil
}

func gobEncode(value any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sortedSessions(sessions []Session) []Session {
	sorted := make([]Session, len(sessions))
	copy(sorted, sessions)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Room != sorted[j].Room {
			return sorted[i].Room < sorted[j].Room
		}
		return sorted[i].User < sorted[j].User
	})
	return sorted
}
