package storage

import (
	"testing"
	"time"
)

func record(id string, started int64) CallRecord {
	return CallRecord{
		ID:        id,
		GameID:    "g1",
		LocalID:   "alice",
		RemoteID:  "bob",
		Role:      "initiator",
		StartedAt: started,
	}
}

func TestRecordAndFinish(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	now := time.Now().UnixMilli()
	if err := l.Record(record("att-1", now)); err != nil {
		t.Fatal(err)
	}
	if err := l.Finish("att-1", "completed", ""); err != nil {
		t.Fatal(err)
	}

	recs, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	r := recs[0]
	if r.Outcome != "completed" || r.EndedAt == 0 {
		t.Fatalf("finish not recorded: %+v", r)
	}
}

func TestFinishDoesNotOverwriteOutcome(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.Record(record("att-1", time.Now().UnixMilli())); err != nil {
		t.Fatal(err)
	}
	if err := l.Finish("att-1", "failed", "peer connection failed"); err != nil {
		t.Fatal(err)
	}
	// A late second finish (for example EndCall after a failure was already
	// recorded) must keep the first outcome.
	if err := l.Finish("att-1", "completed", ""); err != nil {
		t.Fatal(err)
	}

	recs, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if recs[0].Outcome != "failed" || recs[0].Error != "peer connection failed" {
		t.Fatalf("outcome overwritten: %+v", recs[0])
	}
}

func TestRecentOrderAndLimit(t *testing.T) {
	l, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		if err := l.Record(record(string(rune('a'+i)), base+int64(i*1000))); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := l.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("limit ignored: %d records", len(recs))
	}
	// Newest first.
	if recs[0].StartedAt < recs[1].StartedAt || recs[1].StartedAt < recs[2].StartedAt {
		t.Fatalf("wrong order: %v %v %v", recs[0].StartedAt, recs[1].StartedAt, recs[2].StartedAt)
	}
}

func TestOpenIsReentrant(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(record("att-1", time.Now().UnixMilli())); err != nil {
		t.Fatal(err)
	}
	l.Close()

	// Reopening the same directory keeps the history.
	l2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer l2.Close()

	recs, err := l2.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("history lost across reopen: %d records", len(recs))
	}
}
