package recovery

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"kitsync/internal/entity"
	"kitsync/internal/eventlog"
	"kitsync/internal/store"
)

func writeJournal(t *testing.T, dir string, events []entity.MutationEvent) string {
	t.Helper()
	w, err := eventlog.NewFileWriter(dir, "journal.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	for _, ev := range events {
		if err := w.Append(ev); err != nil {
			t.Fatalf("append seq %d: %v", ev.Seq, err)
		}
	}
	return filepath.Join(dir, "journal.jsonl")
}

func snap(t *testing.T, status string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]string{"status": status})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestReplayFile_FoldsAndSkipsDuplicates(t *testing.T) {
	events := []entity.MutationEvent{
		{Seq: 1, EntityType: entity.TypeOrder, EntityID: "o1", Snapshot: snap(t, "pending")},
		{Seq: 2, EntityType: entity.TypeOrder, EntityID: "o1", Snapshot: snap(t, "in-progress")},
		{Seq: 2, EntityType: entity.TypeOrder, EntityID: "o1", Snapshot: snap(t, "in-progress")}, // redelivered
		{Seq: 3, EntityType: entity.TypeSpace, EntityID: "s1", Snapshot: snap(t, "available")},
		{Seq: 4, EntityType: entity.TypeOrder, EntityID: "o1", Snapshot: snap(t, "ready")},
	}
	path := writeJournal(t, t.TempDir(), events)

	st := store.NewInMemoryStore()
	res := NewReplayer(st).ReplayFile(path, 0)
	if res.Error != nil {
		t.Fatalf("replay: %v", res.Error)
	}
	if res.Applied != 4 || res.Skipped != 1 {
		t.Fatalf("applied/skipped = %d/%d, want 4/1", res.Applied, res.Skipped)
	}
	if res.MaxSeq != 4 {
		t.Fatalf("max seq = %d, want 4", res.MaxSeq)
	}

	// The order saw three applied events, so its version is 3.
	v, err := st.Get(entity.TypeOrder, "o1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if v.Version != 3 {
		t.Fatalf("order version = %d, want 3", v.Version)
	}
	status, err := entity.StatusOf(v.Data)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != "ready" {
		t.Fatalf("status = %q, want ready", status)
	}

	sv, err := st.Get(entity.TypeSpace, "s1")
	if err != nil {
		t.Fatalf("get space: %v", err)
	}
	if sv.Version != 1 {
		t.Fatalf("space version = %d, want 1", sv.Version)
	}
}

func TestReplayFile_FromSeq(t *testing.T) {
	events := []entity.MutationEvent{
		{Seq: 1, EntityType: entity.TypeOrder, EntityID: "o1", Snapshot: snap(t, "pending")},
		{Seq: 2, EntityType: entity.TypeOrder, EntityID: "o1", Snapshot: snap(t, "in-progress")},
		{Seq: 3, EntityType: entity.TypeOrder, EntityID: "o2", Snapshot: snap(t, "pending")},
	}
	path := writeJournal(t, t.TempDir(), events)

	st := store.NewInMemoryStore()
	res := NewReplayer(st).ReplayFile(path, 2)
	if res.Error != nil {
		t.Fatalf("replay: %v", res.Error)
	}
	if res.Applied != 1 || res.Skipped != 2 {
		t.Fatalf("applied/skipped = %d/%d, want 1/2", res.Applied, res.Skipped)
	}
	if _, err := st.Get(entity.TypeOrder, "o1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("o1 should not have been loaded, err = %v", err)
	}
	if _, err := st.Get(entity.TypeOrder, "o2"); err != nil {
		t.Fatalf("get o2: %v", err)
	}
}

func TestReplayFile_MissingJournalIsEmpty(t *testing.T) {
	st := store.NewInMemoryStore()
	res := NewReplayer(st).ReplayFile(filepath.Join(t.TempDir(), "nope.jsonl"), 0)
	if res.Error != nil {
		t.Fatalf("missing journal should not error: %v", res.Error)
	}
	if res.Applied != 0 || res.MaxSeq != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}
