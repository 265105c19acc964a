package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"

	"kitsync/internal/entity"
)

// BadgerStore implements Store using BadgerDB. Unlike PebbleStore, the
// version check and write run inside one Badger transaction.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) Get(t entity.Type, id string) (Versioned, error) {
	var out Versioned
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(entity.Key(t, id)))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = decodeVersioned(val)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return Versioned{}, ErrNotFound
	}
	if err != nil {
		return Versioned{}, fmt.Errorf("badger get: %w", err)
	}
	return out, nil
}

func (b *BadgerStore) Put(t entity.Type, id string, data json.RawMessage, expected int64) (int64, error) {
	key := []byte(entity.Key(t, id))
	var next int64
	err := b.db.Update(func(txn *badger.Txn) error {
		var cur Versioned
		item, err := txn.Get(key)
		if err == nil {
			val, e := item.ValueCopy(nil)
			if e != nil {
				return e
			}
			cur, e = decodeVersioned(val)
			if e != nil {
				return e
			}
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if cur.Version != expected {
			next = cur.Version
			return fmt.Errorf("put %s: have v%d want v%d: %w", key, cur.Version, expected, ErrVersionMismatch)
		}
		next = expected + 1
		bytes, err := json.Marshal(Versioned{Version: next, Data: data})
		if err != nil {
			return err
		}
		return txn.Set(key, bytes)
	})
	if err != nil {
		return next, err
	}
	return next, nil
}

func (b *BadgerStore) List(t entity.Type) (map[string]Versioned, error) {
	prefix := []byte(string(t) + "#")
	out := make(map[string]Versioned)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			k := string(item.KeyCopy(nil))
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			v, err := decodeVersioned(val)
			if err != nil {
				return err
			}
			out[k[len(prefix):]] = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list: %w", err)
	}
	return out, nil
}

// LoadAll replaces the full contents with the provided snapshot.
func (b *BadgerStore) LoadAll(all map[string]Versioned) {
	_ = b.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var toDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			toDelete = append(toDelete, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for k, v := range all {
			bytes, err := json.Marshal(v)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(k), bytes); err != nil {
				return err
			}
		}
		return nil
	})
}
