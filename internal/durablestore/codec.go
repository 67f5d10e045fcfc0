package durablestore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/golemrt/durable/internal/oplog"
)

// rowScanner is satisfied by both *sql.Rows and *sql.Row, letting
// scanEntryRow serve both Read's range query and any future
// single-row lookup without duplicating the column list.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntryRow(r rowScanner) (oplog.IndexedEntry, error) {
	var (
		idx            uint64
		kind           int
		functionName   sql.NullString
		idempotencyKey sql.NullString
		traceID        sql.NullString
		traceStates    sql.NullString
		spanParentID   sql.NullString
		hasPayload     int
		payloadRef     sql.NullString
		persistLevel   sql.NullInt64
		targetVersion  sql.NullInt64
		logLevel       sql.NullInt64
		logContext     sql.NullString
		logMessage     sql.NullString
	)

	if err := r.Scan(&idx, &kind, &functionName, &idempotencyKey, &traceID, &traceStates,
		&spanParentID, &hasPayload, &payloadRef, &persistLevel, &targetVersion,
		&logLevel, &logContext, &logMessage); err != nil {
		return oplog.IndexedEntry{}, err
	}

	e := oplog.Entry{
		Kind:           oplog.Kind(kind),
		FunctionName:   functionName.String,
		IdempotencyKey: oplog.IdempotencyKey(idempotencyKey.String),
		Trace: oplog.TraceContext{
			TraceID:      traceID.String,
			TraceStates:  splitTraceStates(traceStates.String),
			SpanParentID: spanParentID.String,
		},
		HasPayload: hasPayload != 0,
		PayloadRef: payloadRef.String,
		Level:      oplog.PersistenceLevel(persistLevel.Int64),
		TargetVersion: oplog.ComponentVersion(targetVersion.Int64),
		LogLevel:      oplog.LogLevel(logLevel.Int64),
		Context:       logContext.String,
		Message:       logMessage.String,
	}

	return oplog.IndexedEntry{Index: oplog.Index(idx), Entry: e}, nil
}

func splitTraceStates(joined string) []string {
	if joined == "" {
		return nil
	}
	return strings.Split(joined, "\x1f")
}

func joinTraceStates(states []string) string {
	return strings.Join(states, "\x1f")
}

func insertEntryRow(ctx context.Context, tx *sql.Tx, worker oplog.WorkerID, idx oplog.Index, e oplog.Entry) error {
	hasPayload := 0
	if e.HasPayload {
		hasPayload = 1
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO oplog_entries (
			namespace, worker_id, idx, kind, function_name, idempotency_key,
			trace_id, trace_states, span_parent_id, has_payload, payload_ref,
			persist_level, target_version, log_level, log_context, log_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		worker.Namespace, worker.ID, uint64(idx), int(e.Kind),
		nullableString(e.FunctionName), nullableString(string(e.IdempotencyKey)),
		nullableString(e.Trace.TraceID), nullableString(joinTraceStates(e.Trace.TraceStates)),
		nullableString(e.Trace.SpanParentID), hasPayload, nullableString(e.PayloadRef),
		int(e.Level), uint64(e.TargetVersion), int(e.LogLevel),
		nullableString(e.Context), nullableString(e.Message))
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
