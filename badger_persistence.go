package graftchat

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const (
	sessionsKey = "sessions"
	hiddenKey   = "hidden"
)

type badgerSnapshotStore struct {
	db *badger.DB
}

func OpenBadgerSnapshotStore(dir string) (SnapshotStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &badgerSnapshotStore{
		db: db,
	}, nil
}

func (p *badgerSnapshotStore) SaveSessions(sessions []Session) error {
	return p.put(sessionsKey, sortedSessions(sessions))
}

func (p *badgerSnapshotStore) LoadSessions() ([]Session, error) {
	var sessions []Session
	err := p.get(sessionsKey, &sessions)
	return sessions, err
}

func (p *badgerSnapshotStore) SaveHidden(hidden map[int][]Session) error {
	return p.put(hiddenKey, hidden)
}

func (p *badgerSnapshotStore) LoadHidden() (map[int][]Session, error) {
	var hidden map[int][]Session
	err := p.get(hiddenKey, &hidden)
	return hidden, err
}

func (p *badgerSnapshotStore) put(key string, value any) error {
	data, err := gobEncode(value)
	if err != nil {
		return err
	}

	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (p *badgerSnapshotStore) get(key string, value any) error {
	return p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(value)
		})
	})
}

func (p *badgerSnapshotStore) Close() error {
	return p.db.Close()
}
