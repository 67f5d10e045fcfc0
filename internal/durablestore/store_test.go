package durablestore

import (
	"context"
	"testing"

	"github.com/golemrt/durable/internal/oplog"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndReadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	worker := oplog.WorkerID{Namespace: "ns", ID: "w-1"}

	if err := s.Append(ctx, worker, oplog.Initial, oplog.Entry{Kind: oplog.KindCreate}, nil); err != nil {
		t.Fatalf("append create: %v", err)
	}
	logEntry := oplog.Entry{Kind: oplog.KindLog, LogLevel: oplog.LogLevelInfo, Message: "hello"}
	if err := s.Append(ctx, worker, oplog.Initial.Next(), logEntry, nil); err != nil {
		t.Fatalf("append log: %v", err)
	}

	got, err := s.Read(ctx, worker, oplog.Initial, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Index != oplog.Initial || got[0].Entry.Kind != oplog.KindCreate {
		t.Fatalf("got[0] = %+v", got[0])
	}
	if got[1].Entry.Message != "hello" {
		t.Fatalf("got[1].Message = %q, want hello", got[1].Entry.Message)
	}
}

func TestReadRespectsStartAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	worker := oplog.WorkerID{Namespace: "ns", ID: "w-1"}

	for i := uint64(1); i <= 5; i++ {
		idx := oplog.Index(i)
		if err := s.Append(ctx, worker, idx, oplog.Entry{Kind: oplog.KindLog}, nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := s.Read(ctx, worker, oplog.Index(3), 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 || got[0].Index != 3 || got[1].Index != 4 {
		t.Fatalf("got = %+v, want indices [3 4]", got)
	}
}

func TestReadIsolatesWorkers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := oplog.WorkerID{Namespace: "ns", ID: "a"}
	b := oplog.WorkerID{Namespace: "ns", ID: "b"}

	if err := s.Append(ctx, a, oplog.Initial, oplog.Entry{Kind: oplog.KindCreate}, nil); err != nil {
		t.Fatalf("append a: %v", err)
	}

	got, err := s.Read(ctx, b, oplog.Initial, 10)
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries for worker b, got %d", len(got))
	}
}

func TestGetPayloadOfEntryRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	worker := oplog.WorkerID{Namespace: "ns", ID: "w-1"}

	entry := oplog.Entry{
		Kind:       oplog.KindExportedFunctionInvoked,
		HasPayload: true,
		PayloadRef: "p-1",
	}
	payload := []byte(`{"args":[1,2,3]}`)
	if err := s.Append(ctx, worker, oplog.Initial, entry, payload); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, ok, err := s.GetPayloadOfEntry(ctx, worker, entry)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if string(got) != string(payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestGetPayloadOfEntryNoPayload(t *testing.T) {
	s := openTestStore(t)
	entry := oplog.Entry{Kind: oplog.KindLog, HasPayload: false}

	_, ok, err := s.GetPayloadOfEntry(context.Background(), oplog.WorkerID{Namespace: "ns", ID: "w-1"}, entry)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a non-payload entry")
	}
}

func TestGetPayloadOfEntrySealed(t *testing.T) {
	seal, err := NewSealer([]byte("test-master-key-material"))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	s, err := Open(":memory:", WithSealer(seal))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	worker := oplog.WorkerID{Namespace: "ns", ID: "w-1"}
	entry := oplog.Entry{Kind: oplog.KindExportedFunctionInvoked, HasPayload: true, PayloadRef: "p-1"}
	payload := []byte("secret payload bytes")

	if err := s.Append(ctx, worker, oplog.Initial, entry, payload); err != nil {
		t.Fatalf("append: %v", err)
	}

	var rawSealed int
	var rawBody []byte
	row := s.db.QueryRow(`SELECT sealed, body FROM oplog_payloads WHERE namespace=? AND worker_id=? AND payload_ref=?`,
		worker.Namespace, worker.ID, entry.PayloadRef)
	if err := row.Scan(&rawSealed, &rawBody); err != nil {
		t.Fatalf("scan raw row: %v", err)
	}
	if rawSealed != 1 {
		t.Fatal("expected sealed flag to be set")
	}
	if string(rawBody) == string(payload) {
		t.Fatal("expected stored body to be encrypted, not plaintext")
	}

	got, ok, err := s.GetPayloadOfEntry(ctx, worker, entry)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	if !ok || string(got) != string(payload) {
		t.Fatalf("got = %q, ok=%v, want %q, true", got, ok, payload)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}
