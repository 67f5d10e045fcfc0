package debugapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/golemrt/durable/internal/oplog"
)

// entryView is the JSON shape returned for a single oplog entry. It
// flattens oplog.Entry's Kind-tagged fields and, for payload-bearing
// entries, includes the decoded WIT value(s) alongside a hasPayload
// flag so a caller can inspect them without a second round trip. The
// raw payload reference is not included.
type entryView struct {
	Index          oplog.Index            `json:"index"`
	Kind           string                 `json:"kind"`
	FunctionName   string                 `json:"functionName,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
	TraceID        string                 `json:"traceId,omitempty"`
	PersistLevel   oplog.PersistenceLevel `json:"persistLevel,omitempty"`
	TargetVersion  uint64                 `json:"targetVersion,omitempty"`
	LogLevel       oplog.LogLevel         `json:"logLevel,omitempty"`
	LogContext     string                 `json:"logContext,omitempty"`
	LogMessage     string                 `json:"logMessage,omitempty"`
	HasPayload     bool                   `json:"hasPayload"`
	InvocationArgs []oplog.Value          `json:"invocationArgs,omitempty"`
	Result         *oplog.ValueAndType    `json:"result,omitempty"`
}

// handleList serves GET /oplog/{namespace}/{worker}?start=&n=, reading
// a bounded range of entries straight from the store and decoding any
// payloads it can.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	worker := oplog.WorkerID{
		Namespace: r.PathValue("namespace"),
		ID:        r.PathValue("worker"),
	}

	start := oplog.Index(parseUintQuery(r, "start", 1))
	n := parseUintQuery(r, "n", s.cfg.DefaultChunk)
	if n > s.cfg.MaxChunk {
		n = s.cfg.MaxChunk
	}

	entries, err := s.store.Read(r.Context(), worker, start, n)
	if err != nil {
		s.log.Error("debugapi: read oplog range", "namespace", worker.Namespace, "worker", worker.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read oplog")
		return
	}

	views := make([]entryView, 0, len(entries))
	for _, ie := range entries {
		views = append(views, s.decorate(r, worker, ie))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) decorate(r *http.Request, worker oplog.WorkerID, ie oplog.IndexedEntry) entryView {
	v := entryView{
		Index:          ie.Index,
		Kind:           ie.Entry.Kind.String(),
		FunctionName:   ie.Entry.FunctionName,
		IdempotencyKey: string(ie.Entry.IdempotencyKey),
		TraceID:        ie.Entry.Trace.TraceID,
		TargetVersion:  uint64(ie.Entry.TargetVersion),
		LogContext:     ie.Entry.Context,
		LogMessage:     ie.Entry.Message,
		HasPayload:     ie.Entry.HasPayload,
	}
	if ie.Entry.Kind == oplog.KindChangePersistenceLevel {
		v.PersistLevel = ie.Entry.Level
	}
	if ie.Entry.Kind == oplog.KindLog {
		v.LogLevel = ie.Entry.LogLevel
	}

	if !ie.Entry.HasPayload || s.decoder == nil {
		return v
	}

	payload, ok, err := s.store.GetPayloadOfEntry(r.Context(), worker, ie.Entry)
	if err != nil || !ok {
		if err != nil {
			s.log.Warn("debugapi: resolve payload", "namespace", worker.Namespace, "worker", worker.ID, "index", ie.Index, "error", err)
		}
		return v
	}

	switch ie.Entry.Kind {
	case oplog.KindExportedFunctionInvoked:
		if args, err := s.decoder.DecodeInvocationArgs(payload); err == nil {
			v.InvocationArgs = args
		} else {
			s.log.Warn("debugapi: decode invocation args", "index", ie.Index, "error", err)
		}
	case oplog.KindExportedFunctionCompleted:
		if result, err := s.decoder.DecodeResult(payload); err == nil {
			v.Result = result
		} else {
			s.log.Warn("debugapi: decode result", "index", ie.Index, "error", err)
		}
	}
	return v
}

// tailEvent is pushed over the WebSocket each time the watched
// worker's oplog grows.
type tailEvent struct {
	Entries []entryView `json:"entries"`
	NextIdx oplog.Index `json:"nextIndex"`
}

// handleTail serves GET /oplog/{namespace}/{worker}/tail: a WebSocket
// that pushes newly appended entries as they land, following the
// teacher's dashboard-push shape (handleAppWS) but driven by
// GrowthWatcher wakeups instead of an in-process event channel.
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	worker := oplog.WorkerID{
		Namespace: r.PathValue("namespace"),
		ID:        r.PathValue("worker"),
	}
	next := oplog.Index(parseUintQuery(r, "start", 1))

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	if s.watch == nil {
		conn.Close(websocket.StatusInternalError, "tail notifications unavailable")
		return
	}

	ctx := conn.CloseRead(r.Context())
	for {
		entries, err := s.store.Read(ctx, worker, next, s.cfg.MaxChunk)
		if err != nil {
			s.log.Warn("debugapi: tail read", "namespace", worker.Namespace, "worker", worker.ID, "error", err)
			return
		}
		if len(entries) > 0 {
			views := make([]entryView, 0, len(entries))
			for _, ie := range entries {
				views = append(views, s.decorate(r, worker, ie))
				next = ie.Index + 1
			}
			if err := s.writeTail(ctx, conn, tailEvent{Entries: views, NextIdx: next}); err != nil {
				return
			}
			continue
		}

		ch, cancel := s.watch.Wait(worker)
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
			cancel()
			return
		}
	}
}

func (s *Server) writeTail(ctx context.Context, conn *websocket.Conn, ev tailEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("debugapi: marshal tail event", "error", err)
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
