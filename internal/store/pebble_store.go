package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"kitsync/internal/entity"
)

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		MemTableSize:             64 << 20,
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    8,
		WALBytesPerSync:          1 << 20,
		DisableWAL:               false,
		MaxConcurrentCompactions: func() int { return 2 },
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func decodeVersioned(val []byte) (Versioned, error) {
	var v Versioned
	if err := json.Unmarshal(val, &v); err != nil {
		return Versioned{}, err
	}
	return v, nil
}

func (p *PebbleStore) Get(t entity.Type, id string) (Versioned, error) {
	val, closer, err := p.db.Get([]byte(entity.Key(t, id)))
	if err == pebble.ErrNotFound {
		return Versioned{}, ErrNotFound
	}
	if err != nil {
		return Versioned{}, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	v, err := decodeVersioned(val)
	if err != nil {
		return Versioned{}, err
	}
	// Detach from pebble's buffer before the closer invalidates it.
	v.Data = append(json.RawMessage(nil), v.Data...)
	return v, nil
}

// Put performs a read-check-write. The gateway serializes writers per
// entity, so the window between read and write is single-writer.
func (p *PebbleStore) Put(t entity.Type, id string, data json.RawMessage, expected int64) (int64, error) {
	key := []byte(entity.Key(t, id))
	var cur Versioned
	val, closer, err := p.db.Get(key)
	if err == nil {
		cur, err = decodeVersioned(val)
		_ = closer.Close()
		if err != nil {
			return 0, err
		}
	} else if err != pebble.ErrNotFound {
		return 0, fmt.Errorf("pebble get: %w", err)
	}
	if cur.Version != expected {
		return cur.Version, fmt.Errorf("put %s: have v%d want v%d: %w", key, cur.Version, expected, ErrVersionMismatch)
	}
	next := expected + 1
	b, err := json.Marshal(Versioned{Version: next, Data: data})
	if err != nil {
		return 0, err
	}
	if err := p.db.Set(key, b, pebble.Sync); err != nil {
		return 0, fmt.Errorf("pebble set: %w", err)
	}
	return next, nil
}

func (p *PebbleStore) List(t entity.Type) (map[string]Versioned, error) {
	prefix := string(t) + "#"
	it, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	out := make(map[string]Versioned)
	for it.First(); it.Valid(); it.Next() {
		k := string(it.Key())
		val := append([]byte(nil), it.Value()...)
		v, err := decodeVersioned(val)
		if err != nil {
			return nil, err
		}
		out[k[len(prefix):]] = v
	}
	return out, nil
}

// LoadAll replaces the full contents with the provided snapshot.
func (p *PebbleStore) LoadAll(all map[string]Versioned) {
	var toDelete [][]byte
	it, err := p.db.NewIter(nil)
	if err != nil {
		return
	}
	for it.First(); it.Valid(); it.Next() {
		toDelete = append(toDelete, append([]byte(nil), it.Key()...))
	}
	it.Close()
	wb := p.db.NewBatch()
	for _, k := range toDelete {
		_ = wb.Delete(k, nil)
	}
	for k, v := range all {
		b, err := json.Marshal(v)
		if err != nil {
			continue
		}
		_ = wb.Set([]byte(k), b, nil)
	}
	_ = wb.Commit(pebble.Sync)
	_ = wb.Close()
}
