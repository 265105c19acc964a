package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/kafka-go"

	"kitsync/internal/entity"
)

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "events.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	e1 := ev(entity.TypeOrder, "o1", "biz")
	e1.Seq = 1
	e2 := ev(entity.TypeBooking, "b1", "biz")
	e2.Seq = 2
	if err := w.Append(e1); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := w.Append(e2); err != nil {
		t.Fatalf("append2: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "events.jsonl"))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	var got []entity.MutationEvent
	for s.Scan() {
		var e entity.MutationEvent
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, e)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 lines, got %d", len(got))
	}
	if got[0].Seq != 1 || got[0].EntityID != "o1" || got[1].Seq != 2 || got[1].EntityID != "b1" {
		t.Fatalf("mismatch: %+v", got)
	}
}

func TestMultiWriter_StopsOnFirstError(t *testing.T) {
	dir := t.TempDir()
	fw, err := NewFileWriter(dir, "events.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	fk := &fakeKafkaWriter{fail: true}
	mw := NewMultiWriter(NewKafkaWriterWith(fk), fw)

	if err := mw.Append(ev(entity.TypeOrder, "o1", "biz")); err == nil {
		t.Fatalf("expected error from failing kafka writer")
	}
	if _, err := os.Stat(filepath.Join(dir, "events.jsonl")); !os.IsNotExist(err) {
		t.Fatalf("file writer should not have been reached")
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaWriter_Append_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	e := ev(entity.TypeOrder, "o1", "biz")
	e.Seq = 7
	if err := kw.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "order#o1" {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
	var decoded entity.MutationEvent
	if err := json.Unmarshal(fk.msgs[0].Value, &decoded); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if decoded.Seq != 7 {
		t.Fatalf("seq = %d, want 7", decoded.Seq)
	}
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	fk := &fakeKafkaWriter{fail: true}
	kw := NewKafkaWriterWith(fk)
	if err := kw.Append(ev(entity.TypeOrder, "o1", "biz")); err == nil {
		t.Fatalf("expected error")
	}
}
