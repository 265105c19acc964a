package store

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"kitsync/internal/entity"
)

func TestPut_VersionRules(t *testing.T) {
	s := NewInMemoryStore()

	v, err := s.Put(entity.TypeOrder, "o1", json.RawMessage(`{"id":"o1"}`), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if v != 1 {
		t.Fatalf("version after create = %d, want 1", v)
	}

	// Create again must conflict.
	if _, err := s.Put(entity.TypeOrder, "o1", json.RawMessage(`{}`), 0); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("duplicate create err = %v, want ErrVersionMismatch", err)
	}

	// Stale version must conflict.
	if _, err := s.Put(entity.TypeOrder, "o1", json.RawMessage(`{}`), 2); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("stale put err = %v, want ErrVersionMismatch", err)
	}

	v, err = s.Put(entity.TypeOrder, "o1", json.RawMessage(`{"id":"o1","v":2}`), 1)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if v != 2 {
		t.Fatalf("version after update = %d, want 2", v)
	}

	got, err := s.Get(entity.TypeOrder, "o1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("get version = %d, want 2", got.Version)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Get(entity.TypeOrder, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestList_FiltersByType(t *testing.T) {
	s := NewInMemoryStore()
	mustPut(t, s, entity.TypeOrder, "o1")
	mustPut(t, s, entity.TypeOrder, "o2")
	mustPut(t, s, entity.TypeBooking, "b1")

	orders, err := s.List(entity.TypeOrder)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("len(orders) = %d, want 2", len(orders))
	}
	if _, ok := orders["o1"]; !ok {
		t.Fatalf("o1 missing from list")
	}
	bookings, err := s.List(entity.TypeBooking)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bookings) != 1 {
		t.Fatalf("len(bookings) = %d, want 1", len(bookings))
	}
}

func TestLoadAll_Replaces(t *testing.T) {
	s := NewInMemoryStore()
	mustPut(t, s, entity.TypeOrder, "old")

	s.LoadAll(map[string]Versioned{
		entity.Key(entity.TypeOrder, "new"): {Version: 3, Data: json.RawMessage(`{"id":"new"}`)},
	})

	if _, err := s.Get(entity.TypeOrder, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old key should be gone, err = %v", err)
	}
	got, err := s.Get(entity.TypeOrder, "new")
	if err != nil {
		t.Fatalf("get new: %v", err)
	}
	if got.Version != 3 {
		t.Fatalf("version = %d, want 3", got.Version)
	}
}

func TestInMemoryStore_ConcurrentPutsDifferentKeys(t *testing.T) {
	s := NewInMemoryStore()
	var wg sync.WaitGroup
	ids := []string{"o1", "o2", "o3", "o4"}
	iters := 500

	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				if _, err := s.Put(entity.TypeOrder, id, json.RawMessage(`{}`), int64(i)); err != nil {
					t.Errorf("put %s: %v", id, err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		got, err := s.Get(entity.TypeOrder, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if got.Version != int64(iters) {
			t.Fatalf("version for %s = %d, want %d", id, got.Version, iters)
		}
	}
}

func mustPut(t *testing.T, s Store, typ entity.Type, id string) {
	t.Helper()
	if _, err := s.Put(typ, id, json.RawMessage(`{"id":"`+id+`"}`), 0); err != nil {
		t.Fatalf("put %s/%s: %v", typ, id, err)
	}
}
