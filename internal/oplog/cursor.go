package oplog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// lookupChunkSize is the batch size used when scanning forward through
// the Store during a lookup, matching spec.md §4.4.
const lookupChunkSize = 1024

// ReplayCursor is the single stateful component of the durable worker
// replay engine: it multiplexes every host-function call in the
// executor through an index over a worker's oplog, honoring skipped
// regions, persistence-level zones and hint entries.
//
// last_replayed_index, replay_target and has_seen_logs are atomic
// scalars consulted by the owning task and by metrics snapshots.
// Everything else (skipped_regions, next_skipped_region, log_hashes,
// pending_replay_events) sits behind a single RWMutex, following the
// same read-mostly-map-plus-RWMutex shape as the teacher's WingRegistry.
type ReplayCursor struct {
	workerID WorkerID
	store    Store
	decoder  PayloadDecoder

	lastReplayedIndex atomic.Uint64
	replayTarget      atomic.Uint64
	hasSeenLogs       atomic.Bool
	finishedEmitted   atomic.Bool

	mu                  sync.RWMutex
	skippedRegions      DeletedRegions
	nextSkippedRegion   *Region
	logHashes           map[logFingerprint]struct{}
	pendingReplayEvents []ReplayEvent
}

// New creates a cursor for a worker session. skippedRegions is the
// region set computed by the caller (updates, manual intervention);
// lastOplogIndex is the log length captured at session start and
// becomes the initial replay target.
//
// Construction starts the cursor at NONE (INITIAL-1) and applies the
// "get out of skipped region" rule (so a region starting at INITIAL is
// honored), then runs skip_forward to consume any leading hint entries.
func New(ctx context.Context, worker WorkerID, store Store, decoder PayloadDecoder, skippedRegions DeletedRegions, lastOplogIndex Index) (*ReplayCursor, error) {
	c := &ReplayCursor{
		workerID:       worker,
		store:          store,
		decoder:        decoder,
		skippedRegions: skippedRegions,
		logHashes:      make(map[logFingerprint]struct{}),
	}
	c.lastReplayedIndex.Store(uint64(None))
	c.replayTarget.Store(uint64(lastOplogIndex))
	if r, ok := skippedRegions.FindNextDeletedRegion(None); ok {
		region := r
		c.nextSkippedRegion = &region
	}

	c.getOutOfSkippedRegion()
	if err := c.skipForward(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// setLastReplayedIndex commits newIdx as the cursor's position. Reaching
// the replay target for the first time in this cursor's lifetime enqueues
// ReplayFinished; every later arrival at the target (via a rewind-and-
// re-read, a zone jump, or SwitchToLive) is a no-op for event purposes,
// which is what keeps the event's lifetime-uniqueness guarantee (spec.md
// §8, event uniqueness) regardless of which code path reaches it.
func (c *ReplayCursor) setLastReplayedIndex(newIdx Index) {
	if newIdx == c.ReplayTarget() && !c.finishedEmitted.Swap(true) {
		c.recordReplayEvent(ReplayEvent{Kind: ReplayEventFinished})
	}
	c.lastReplayedIndex.Store(uint64(newIdx))
}

// IsLive reports whether the cursor has replayed everything recorded:
// subsequent host calls are executed for real.
func (c *ReplayCursor) IsLive() bool {
	return c.lastReplayedIndex.Load() == c.replayTarget.Load()
}

// IsReplay reports the complement of IsLive.
func (c *ReplayCursor) IsReplay() bool { return !c.IsLive() }

// SwitchToLive transitions the cursor to live mode. Idempotent; enqueues
// ReplayFinished exactly once per replay-to-live transition.
func (c *ReplayCursor) SwitchToLive() {
	c.setLastReplayedIndex(c.ReplayTarget())
}

// LastReplayedIndex returns the index of the last entry the owning task
// has observed.
func (c *ReplayCursor) LastReplayedIndex() Index {
	return Index(c.lastReplayedIndex.Load())
}

// ReplayTarget returns the log length this session's replay is bounded by.
func (c *ReplayCursor) ReplayTarget() Index {
	return Index(c.replayTarget.Load())
}

// SetReplayTarget unconditionally replaces the target. Callers guarantee
// new_target >= LastReplayedIndex().
func (c *ReplayCursor) SetReplayTarget(newTarget Index) {
	c.replayTarget.Store(uint64(newTarget))
}

// SkippedRegions returns a snapshot of the cursor's skipped-region set.
func (c *ReplayCursor) SkippedRegions() DeletedRegions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NewDeletedRegions(c.skippedRegions.Regions())
}

// AddSkippedRegion registers a new skipped region and re-derives the
// cached next region from the cursor's next read position, so a region
// added ahead of the cursor is discovered the next time it advances.
func (c *ReplayCursor) AddSkippedRegion(r Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skippedRegions.Add(r)
	if next, ok := c.skippedRegions.FindNextDeletedRegion(Index(c.lastReplayedIndex.Load()).Next()); ok {
		c.nextSkippedRegion = &next
	}
}

// IsInSkippedRegion is an O(log n) probe against the skipped-region set.
func (c *ReplayCursor) IsInSkippedRegion(idx Index) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skippedRegions.IsInDeletedRegion(idx)
}

// TakeNewReplayEvents drains and returns pending replay events in the
// order they were produced.
func (c *ReplayCursor) TakeNewReplayEvents() []ReplayEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.pendingReplayEvents
	c.pendingReplayEvents = nil
	return events
}

func (c *ReplayCursor) recordReplayEvent(ev ReplayEvent) {
	c.mu.Lock()
	c.pendingReplayEvents = append(c.pendingReplayEvents, ev)
	c.mu.Unlock()
}

// GetOplogEntry reads the next oplog entry and skips every hint entry
// following it. Returns the index of the entry read, no matter how many
// more hint entries were auto-skipped.
func (c *ReplayCursor) GetOplogEntry(ctx context.Context) (Index, Entry, error) {
	idx, entry, ok, err := c.TryGetOplogEntry(ctx, func(Entry) bool { return true })
	if err != nil {
		return 0, Entry{}, err
	}
	if !ok {
		// unreachable: the always-true condition never rejects.
		return 0, Entry{}, fmt.Errorf("oplog: get_oplog_entry: condition unexpectedly rejected")
	}
	return idx, entry, nil
}

// TryGetOplogEntry reads the next oplog entry and, if condition accepts
// it, skips every trailing hint entry and returns it. If condition
// rejects the entry, cursor state is rewound and ok is false.
func (c *ReplayCursor) TryGetOplogEntry(ctx context.Context, condition func(Entry) bool) (Index, Entry, bool, error) {
	savedReplayIdx := Index(c.lastReplayedIndex.Load())
	c.mu.RLock()
	savedNextRegion := c.nextSkippedRegion
	c.mu.RUnlock()

	readIdx := Index(c.lastReplayedIndex.Load()).Next()
	_, entry, err := c.internalGetNextOplogEntry(ctx)
	if err != nil {
		return 0, Entry{}, false, err
	}

	if condition(entry) {
		if err := c.skipForward(ctx); err != nil {
			return 0, Entry{}, false, err
		}
		return readIdx, entry, true, nil
	}

	c.setLastReplayedIndex(savedReplayIdx)
	c.mu.Lock()
	c.nextSkippedRegion = savedNextRegion
	c.mu.Unlock()
	return 0, Entry{}, false, nil
}

// shouldSkipTo decides whether the just-read entry should be skipped.
// A hint entry yields the current last-replayed index unchanged (so the
// next read advances by exactly one). The opening of a PersistNothing
// zone yields the index of its matching close (or ExportedFunctionCompleted,
// or the replay target if the zone was never closed). Any other entry
// is not skipped.
func (c *ReplayCursor) shouldSkipTo(ctx context.Context, entry Entry) (Index, bool, error) {
	if entry.IsHint() {
		return Index(c.lastReplayedIndex.Load()), true, nil
	}
	if entry.Kind == KindChangePersistenceLevel && entry.Level == PersistenceLevelPersistNothing {
		beginIdx := Index(c.lastReplayedIndex.Load())
		endIdx, found, err := c.LookupOplogEntry(ctx, beginIdx, func(e Entry, _ Index) bool {
			switch e.Kind {
			case KindChangePersistenceLevel:
				return e.Level != PersistenceLevelPersistNothing
			case KindExportedFunctionCompleted:
				return true
			default:
				return false
			}
		})
		if err != nil {
			return 0, false, err
		}
		if found {
			return endIdx, true, nil
		}
		// The zone was never closed.
		return c.ReplayTarget(), true, nil
	}
	return 0, false, nil
}

// skipForward auto-skips a run of hint entries (and PersistNothing
// zones), recording the fingerprints of any Log entries it passes over.
// The recorded fingerprint set is replaced wholesale on every call.
func (c *ReplayCursor) skipForward(ctx context.Context) error {
	logs := make(map[logFingerprint]struct{})
	for c.IsReplay() {
		savedReplayIdx := Index(c.lastReplayedIndex.Load())
		c.mu.RLock()
		savedNextRegion := c.nextSkippedRegion
		c.mu.RUnlock()

		_, entry, err := c.internalGetNextOplogEntry(ctx)
		if err != nil {
			return err
		}

		newIdx, skip, err := c.shouldSkipTo(ctx, entry)
		if err != nil {
			return err
		}
		if skip {
			if entry.Kind == KindLog {
				logs[hashLogEntry(entry.LogLevel, entry.Context, entry.Message)] = struct{}{}
			}
			c.setLastReplayedIndex(newIdx)
		} else {
			// First non-hint entry after the one we just read: rewind
			// to the saved position, including any skipped-region hint,
			// since this is the entry a caller should see next.
			c.setLastReplayedIndex(savedReplayIdx)
			c.mu.Lock()
			c.nextSkippedRegion = savedNextRegion
			c.mu.Unlock()
			break
		}
	}

	c.hasSeenLogs.Store(len(logs) != 0)
	c.mu.Lock()
	c.logHashes = logs
	c.mu.Unlock()
	return nil
}

// internalGetNextOplogEntry reads the next oplog entry no matter if it
// is hint or not, and applies the side-effect hooks (SuccessfulUpdate ->
// UpdateReplayed event, reaching the replay target -> ReplayFinished
// event) before committing the new position.
func (c *ReplayCursor) internalGetNextOplogEntry(ctx context.Context) (Index, Entry, error) {
	readIdx := Index(c.lastReplayedIndex.Load()).Next()

	entries, err := c.store.Read(ctx, c.workerID, readIdx, 1)
	if err != nil {
		return 0, Entry{}, fmt.Errorf("read oplog entry %s: %w", readIdx, err)
	}
	if len(entries) == 0 {
		return 0, Entry{}, fmt.Errorf("oplog store returned no entry at %s", readIdx)
	}
	entry := entries[0].Entry

	if entry.Kind == KindSuccessfulUpdate {
		c.recordReplayEvent(ReplayEvent{Kind: ReplayEventUpdateReplayed, NewVersion: entry.TargetVersion})
	}

	c.moveReplayIdx(readIdx)
	return readIdx, entry, nil
}

// moveReplayIdx repositions the cursor to newIdx and applies the
// get-out-of-skipped-region rule.
func (c *ReplayCursor) moveReplayIdx(newIdx Index) {
	c.setLastReplayedIndex(newIdx)
	c.getOutOfSkippedRegion()
}

// getOutOfSkippedRegion is the traversal rule from spec.md §4.2: only
// *entering* a region triggers a jump. Regions added while already
// inside one are discovered on the cursor's next advance, not
// retroactively here (see AddSkippedRegion).
func (c *ReplayCursor) getOutOfSkippedRegion() {
	if !c.IsReplay() {
		return
	}
	c.mu.RLock()
	region := c.nextSkippedRegion
	c.mu.RUnlock()
	if region == nil || region.Start != Index(c.lastReplayedIndex.Load()).Next() {
		return
	}

	target := region.End.Next()
	c.setLastReplayedIndex(target.Previous())

	c.mu.Lock()
	defer c.mu.Unlock()
	if next, ok := c.skippedRegions.FindNextDeletedRegion(target); ok {
		r := next
		c.nextSkippedRegion = &r
	} else {
		c.nextSkippedRegion = nil
	}
}

// LookupOplogEntry scans forward from LastReplayedIndex().Next() up to
// ReplayTarget looking for the first entry for which check returns true.
// It does not mutate the cursor.
func (c *ReplayCursor) LookupOplogEntry(ctx context.Context, beginIdx Index, check func(Entry, Index) bool) (Index, bool, error) {
	return c.LookupOplogEntryWithCondition(ctx, beginIdx, check, func(Entry, Index) bool { return true })
}

// LookupOplogEntryWithCondition is the general form of LookupOplogEntry:
// scanning stops (with a miss) as soon as forAllIntermediate rejects an
// entry that endCheck did not already accept.
func (c *ReplayCursor) LookupOplogEntryWithCondition(ctx context.Context, beginIdx Index, endCheck, forAllIntermediate func(Entry, Index) bool) (Index, bool, error) {
	replayTarget := c.ReplayTarget()
	start := Index(c.lastReplayedIndex.Load()).Next()

	c.mu.RLock()
	currentNextSkipRegion := c.nextSkippedRegion
	c.mu.RUnlock()

	for start < replayTarget {
		entries, err := c.store.Read(ctx, c.workerID, start, lookupChunkSize)
		if err != nil {
			return 0, false, fmt.Errorf("lookup oplog range from %s: %w", start, err)
		}

		for _, ie := range entries {
			idx := ie.Index
			if currentNextSkipRegion != nil && currentNextSkipRegion.Contains(idx) {
				if idx == currentNextSkipRegion.End {
					c.mu.RLock()
					next, ok := c.skippedRegions.FindNextDeletedRegion(idx.Next())
					c.mu.RUnlock()
					if ok {
						r := next
						currentNextSkipRegion = &r
					} else {
						currentNextSkipRegion = nil
					}
				}
				continue
			}
			if endCheck(ie.Entry, beginIdx) {
				return idx, true, nil
			}
			if !forAllIntermediate(ie.Entry, beginIdx) {
				return 0, false, nil
			}
		}

		if len(entries) == 0 {
			// The store contract (spec.md §9) guarantees a non-empty
			// read below replayTarget; this guards against a buggy
			// Store turning that violation into an infinite loop.
			break
		}
		start = start.RangeEnd(uint64(len(entries)))
	}

	return 0, false, nil
}

// ExportedFunctionInvoked is the decoded form of an
// ExportedFunctionInvoked oplog entry, ready for the executor to
// dispatch.
type ExportedFunctionInvoked struct {
	FunctionName      string
	FunctionInput     []Value
	IdempotencyKey    IdempotencyKey
	InvocationContext InvocationContextStack
}

// GetOplogEntryExportedFunctionInvoked reads ahead while in replay mode
// until it finds an ExportedFunctionInvoked entry, decoding its payload.
// Returns nil when the cursor is already live.
func (c *ReplayCursor) GetOplogEntryExportedFunctionInvoked(ctx context.Context) (*ExportedFunctionInvoked, error) {
	for c.IsReplay() {
		idx, entry, err := c.GetOplogEntry(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case entry.Kind == KindExportedFunctionInvoked:
			args, err := c.decodeInvocationArgs(ctx, idx, entry)
			if err != nil {
				return nil, err
			}
			return &ExportedFunctionInvoked{
				FunctionName:   entry.FunctionName,
				FunctionInput:  args,
				IdempotencyKey: entry.IdempotencyKey,
				InvocationContext: InvocationContextStack{
					TraceID:     entry.Trace.TraceID,
					TraceStates: entry.Trace.TraceStates,
					Spans:       nonEmptySlice(entry.Trace.SpanParentID),
				},
			}, nil
		case entry.IsHint():
			continue
		default:
			return nil, &UnexpectedEntryError{Expected: KindExportedFunctionInvoked, Actual: entry}
		}
	}
	return nil, nil
}

// GetOplogEntryExportedFunctionCompleted reads ahead while in replay
// mode until it finds an ExportedFunctionCompleted entry, decoding its
// optional result payload. found is false only when the cursor is
// already live; result is nil when the decoded payload is the empty
// (void) result.
func (c *ReplayCursor) GetOplogEntryExportedFunctionCompleted(ctx context.Context) (result *ValueAndType, found bool, err error) {
	for c.IsReplay() {
		idx, entry, err := c.GetOplogEntry(ctx)
		if err != nil {
			return nil, false, err
		}
		switch {
		case entry.Kind == KindExportedFunctionCompleted:
			vt, err := c.decodeResult(ctx, idx, entry)
			if err != nil {
				return nil, false, err
			}
			return vt, true, nil
		case entry.IsHint():
			continue
		default:
			return nil, false, &UnexpectedEntryError{Expected: KindExportedFunctionCompleted, Actual: entry}
		}
	}
	return nil, false, nil
}

func (c *ReplayCursor) decodeInvocationArgs(ctx context.Context, idx Index, entry Entry) ([]Value, error) {
	if !entry.HasPayload {
		return nil, &PayloadDecodeError{Index: idx, Kind: entry.Kind, Err: fmt.Errorf("missing function-input payload")}
	}
	payload, ok, err := c.store.GetPayloadOfEntry(ctx, c.workerID, entry)
	if err != nil {
		return nil, &PayloadDecodeError{Index: idx, Kind: entry.Kind, Err: err}
	}
	if !ok {
		return nil, &PayloadDecodeError{Index: idx, Kind: entry.Kind, Err: fmt.Errorf("payload absent")}
	}
	args, err := c.decoder.DecodeInvocationArgs(payload)
	if err != nil {
		return nil, &PayloadDecodeError{Index: idx, Kind: entry.Kind, Err: err}
	}
	return args, nil
}

func (c *ReplayCursor) decodeResult(ctx context.Context, idx Index, entry Entry) (*ValueAndType, error) {
	if !entry.HasPayload {
		return nil, nil
	}
	payload, ok, err := c.store.GetPayloadOfEntry(ctx, c.workerID, entry)
	if err != nil {
		return nil, &PayloadDecodeError{Index: idx, Kind: entry.Kind, Err: err}
	}
	if !ok {
		return nil, &PayloadDecodeError{Index: idx, Kind: entry.Kind, Err: fmt.Errorf("payload absent")}
	}
	vt, err := c.decoder.DecodeResult(payload)
	if err != nil {
		return nil, &PayloadDecodeError{Index: idx, Kind: entry.Kind, Err: err}
	}
	return vt, nil
}

func nonEmptySlice(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

// SeenLog returns true if the given log entry has been seen since the
// last non-hint oplog entry.
func (c *ReplayCursor) SeenLog(level LogLevel, context, message string) bool {
	if !c.hasSeenLogs.Load() {
		return false
	}
	h := hashLogEntry(level, context, message)
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.logHashes[h]
	return ok
}

// RemoveSeenLog removes a seen log from the set. Once the set becomes
// empty, SeenLog becomes a cheap short-circuited operation again.
func (c *ReplayCursor) RemoveSeenLog(level LogLevel, context, message string) {
	h := hashLogEntry(level, context, message)
	c.mu.Lock()
	delete(c.logHashes, h)
	c.hasSeenLogs.Store(len(c.logHashes) != 0)
	c.mu.Unlock()
}
