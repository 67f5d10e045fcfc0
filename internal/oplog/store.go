package oplog

import "context"

// WorkerID identifies the owner of an oplog. Kept abstract here — the
// durable store implementation decides how it maps to tenant/namespace
// storage keys.
type WorkerID struct {
	Namespace string
	ID        string
}

// Store is the append-only log collaborator. The cursor never writes
// through this interface; writing oplog entries is the executor's job
// during live mode (see Non-goals).
type Store interface {
	// Read returns up to n entries beginning at start (inclusive),
	// ordered by Index. An implementation must return at least one
	// entry whenever start is less than the log's current length;
	// an empty result is only valid when start is at or past the end
	// of the log.
	Read(ctx context.Context, worker WorkerID, start Index, n uint64) ([]IndexedEntry, error)

	// GetPayloadOfEntry resolves the out-of-line payload bytes for a
	// payload-bearing entry. ok is false if the entry carries no
	// payload at all (HasPayload == false) or if no bytes are stored for
	// it; callers decide whether an absent payload is fatal (the typed
	// replay helpers report it as a PayloadDecodeError).
	GetPayloadOfEntry(ctx context.Context, worker WorkerID, entry Entry) (payload []byte, ok bool, err error)
}

// PayloadDecoder interprets payload blobs for entries that carry them.
// It is the only collaborator the typed replay helpers
// (GetOplogEntryExportedFunctionInvoked/Completed) consult besides Store.
type PayloadDecoder interface {
	// DecodeInvocationArgs decodes an ExportedFunctionInvoked payload:
	// a sequence of protobuf-encoded Val messages, in order.
	DecodeInvocationArgs(payload []byte) ([]Value, error)

	// DecodeResult decodes an ExportedFunctionCompleted payload: a
	// single optional ValueAndType.
	DecodeResult(payload []byte) (*ValueAndType, error)
}

// Value is the decoded representation of a single invocation argument.
// Kept intentionally minimal here; internal/wireval owns the concrete
// wire format this abstracts over.
type Value struct {
	Kind string
	Raw  any
}

// ValueAndType pairs a decoded Value with its WIT-level type name.
type ValueAndType struct {
	Value Value
	Type  string
}

// InvocationContextStack is the reconstructed tracing context for a
// replayed ExportedFunctionInvoked entry.
type InvocationContextStack struct {
	TraceID     string
	TraceStates []string
	Spans       []string
}
