package oplog

import (
	"context"
	"testing"
)

// memStore is a hand-rolled in-memory Store double. entries is 1-indexed
// implicitly: entries[0] is the oplog entry at Index 1.
type memStore struct {
	worker   WorkerID
	entries  []Entry
	payloads map[string][]byte
}

func newMemStore(entries []Entry) *memStore {
	return &memStore{worker: WorkerID{Namespace: "test", ID: "w1"}, entries: entries}
}

func (s *memStore) Read(_ context.Context, worker WorkerID, start Index, n uint64) ([]IndexedEntry, error) {
	if worker != s.worker {
		return nil, nil
	}
	var out []IndexedEntry
	for i, e := range s.entries {
		idx := Index(i + 1)
		if idx < start {
			continue
		}
		if uint64(len(out)) >= n {
			break
		}
		out = append(out, IndexedEntry{Index: idx, Entry: e})
	}
	return out, nil
}

func (s *memStore) GetPayloadOfEntry(_ context.Context, _ WorkerID, entry Entry) ([]byte, bool, error) {
	if !entry.HasPayload {
		return nil, false, nil
	}
	p, ok := s.payloads[entry.PayloadRef]
	return p, ok, nil
}

// passthroughDecoder decodes nothing; it exists only so the typed replay
// helpers have a collaborator to call when a test exercises them.
type passthroughDecoder struct{}

func (passthroughDecoder) DecodeInvocationArgs(payload []byte) ([]Value, error) {
	return []Value{{Kind: "raw", Raw: string(payload)}}, nil
}

func (passthroughDecoder) DecodeResult(payload []byte) (*ValueAndType, error) {
	return &ValueAndType{Value: Value{Kind: "raw", Raw: string(payload)}, Type: "raw"}, nil
}

func newCursor(t *testing.T, entries []Entry, skipped []Region) *ReplayCursor {
	t.Helper()
	store := newMemStore(entries)
	c, err := New(context.Background(), store.worker, store, passthroughDecoder{}, NewDeletedRegions(skipped), Index(len(entries)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// S1: a pure hint prefix (Create, Log, Log) followed by a single
// ExportedFunctionInvoked entry.
func TestScenarioS1PureHintPrefix(t *testing.T) {
	ctx := context.Background()
	entries := []Entry{
		{Kind: KindCreate},
		{Kind: KindLog, LogLevel: LogLevelInfo, Context: "ctx", Message: "hello"},
		{Kind: KindLog, LogLevel: LogLevelInfo, Context: "ctx", Message: "hello"},
		{Kind: KindExportedFunctionInvoked, FunctionName: "f"},
	}
	c := newCursor(t, entries, nil)

	if !c.SeenLog(LogLevelInfo, "ctx", "hello") {
		t.Fatal("expected seen_log to be true after construction")
	}

	idx, entry, err := c.GetOplogEntry(ctx)
	if err != nil {
		t.Fatalf("GetOplogEntry: %v", err)
	}
	if idx != 4 || entry.Kind != KindExportedFunctionInvoked {
		t.Fatalf("got (%s, %s), want (4, ExportedFunctionInvoked)", idx, entry.Kind)
	}

	if c.SeenLog(LogLevelInfo, "ctx", "hello") {
		t.Fatal("expected seen_log to be false after the read")
	}
}

// S2: a skipped region [3,6] over a 10-entry log of otherwise ordinary,
// non-hint entries. Sequential reads must walk 1, 2, 7, 8, 9, 10.
func TestScenarioS2SkippedRegion(t *testing.T) {
	ctx := context.Background()
	entries := make([]Entry, 10)
	for i := range entries {
		entries[i] = Entry{Kind: KindImportedFunctionInvoked, FunctionName: "noop"}
	}
	c := newCursor(t, entries, []Region{{Start: 3, End: 6}})

	want := []Index{1, 2, 7, 8, 9, 10}
	for _, w := range want {
		idx, _, err := c.GetOplogEntry(ctx)
		if err != nil {
			t.Fatalf("GetOplogEntry: %v", err)
		}
		if idx != w {
			t.Fatalf("got index %s, want %s", idx, w)
		}
	}
	if !c.IsLive() {
		t.Fatal("expected cursor to be live after consuming the whole log")
	}
	if c.IsInSkippedRegion(4) != true || c.IsInSkippedRegion(7) != false {
		t.Fatal("IsInSkippedRegion disagrees with the configured region")
	}
}

// S3: a closed PersistNothing zone. The zone [2,4] closes at entry 5
// (ChangePersistenceLevel{Default}); get_oplog_entry after construction
// must jump straight to entry 6.
func TestScenarioS3ClosedPersistNothingZone(t *testing.T) {
	ctx := context.Background()
	entries := []Entry{
		{Kind: KindCreate},
		{Kind: KindChangePersistenceLevel, Level: PersistenceLevelPersistNothing},
		{Kind: KindImportedFunctionInvoked, FunctionName: "a"},
		{Kind: KindImportedFunctionInvoked, FunctionName: "b"},
		{Kind: KindChangePersistenceLevel, Level: PersistenceLevelDefault},
		{Kind: KindExportedFunctionInvoked, FunctionName: "g"},
	}
	c := newCursor(t, entries, nil)

	idx, entry, err := c.GetOplogEntry(ctx)
	if err != nil {
		t.Fatalf("GetOplogEntry: %v", err)
	}
	if idx != 6 || entry.Kind != KindExportedFunctionInvoked {
		t.Fatalf("got (%s, %s), want (6, ExportedFunctionInvoked)", idx, entry.Kind)
	}
}

// S4: an unclosed PersistNothing zone: the log ends while still inside
// it. The cursor must become live with ReplayFinished appearing exactly
// once, without the caller ever observing the interior entries.
func TestScenarioS4UnclosedPersistNothingZone(t *testing.T) {
	entries := []Entry{
		{Kind: KindCreate},
		{Kind: KindChangePersistenceLevel, Level: PersistenceLevelPersistNothing},
		{Kind: KindImportedFunctionInvoked, FunctionName: "a"},
		{Kind: KindImportedFunctionInvoked, FunctionName: "b"},
	}
	c := newCursor(t, entries, nil)

	if !c.IsLive() {
		t.Fatal("expected cursor to already be live after construction")
	}

	events := c.TakeNewReplayEvents()
	count := 0
	for _, ev := range events {
		if ev.Kind == ReplayEventFinished {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("got %d ReplayFinished events, want exactly 1", count)
	}
}

// S5: stepping across a SuccessfulUpdate entry deposits UpdateReplayed
// into the pending event queue, transparently to the caller's view of
// the surrounding entries.
func TestScenarioS5SuccessfulUpdateEvent(t *testing.T) {
	ctx := context.Background()
	entries := []Entry{
		{Kind: KindCreate},
		{Kind: KindExportedFunctionInvoked, FunctionName: "f"},
		{Kind: KindExportedFunctionCompleted},
		{Kind: KindImportedFunctionInvoked, FunctionName: "a"},
		{Kind: KindSuccessfulUpdate, TargetVersion: 7},
		{Kind: KindExportedFunctionInvoked, FunctionName: "g"},
	}
	c := newCursor(t, entries, nil)

	for _, want := range []Index{2, 3, 4} {
		idx, _, err := c.GetOplogEntry(ctx)
		if err != nil {
			t.Fatalf("GetOplogEntry: %v", err)
		}
		if idx != want {
			t.Fatalf("got index %s, want %s", idx, want)
		}
	}

	var sawUpdate bool
	for _, ev := range c.TakeNewReplayEvents() {
		if ev.Kind == ReplayEventUpdateReplayed && ev.NewVersion == 7 {
			sawUpdate = true
		}
	}
	if !sawUpdate {
		t.Fatal("expected UpdateReplayed{7} among the pending replay events")
	}
}

// S6: LookupOplogEntryWithCondition stops as soon as forAllIntermediate
// rejects an entry that endCheck did not already accept.
func TestScenarioS6LookupWithIntermediateGuard(t *testing.T) {
	ctx := context.Background()
	entries := []Entry{
		{Kind: KindCreate},
		{Kind: KindImportedFunctionInvoked, FunctionName: "a"},
		{Kind: KindError},
		{Kind: KindImportedFunctionInvoked, FunctionName: "b"},
		{Kind: KindExportedFunctionCompleted},
	}
	c := newCursor(t, entries, nil)

	_, found, err := c.LookupOplogEntryWithCondition(ctx, c.LastReplayedIndex(),
		func(e Entry, _ Index) bool { return e.Kind == KindExportedFunctionCompleted },
		func(e Entry, _ Index) bool { return e.Kind != KindError },
	)
	if err != nil {
		t.Fatalf("LookupOplogEntryWithCondition: %v", err)
	}
	if found {
		t.Fatal("expected the guard to reject before reaching ExportedFunctionCompleted")
	}
}

func TestMonotonicIndex(t *testing.T) {
	ctx := context.Background()
	entries := make([]Entry, 20)
	for i := range entries {
		entries[i] = Entry{Kind: KindImportedFunctionInvoked, FunctionName: "noop"}
	}
	c := newCursor(t, entries, []Region{{Start: 5, End: 8}, {Start: 12, End: 12}})

	var last Index
	for !c.IsLive() {
		idx, _, err := c.GetOplogEntry(ctx)
		if err != nil {
			t.Fatalf("GetOplogEntry: %v", err)
		}
		if idx <= last {
			t.Fatalf("index went backwards: %s after %s", idx, last)
		}
		last = idx
	}
}

func TestNoHintLeak(t *testing.T) {
	ctx := context.Background()
	entries := []Entry{
		{Kind: KindCreate},
		{Kind: KindSuspend},
		{Kind: KindRestart},
		{Kind: KindLog, LogLevel: LogLevelWarn, Context: "c", Message: "m"},
		{Kind: KindImportedFunctionInvoked, FunctionName: "a"},
	}
	c := newCursor(t, entries, nil)

	idx, entry, err := c.GetOplogEntry(ctx)
	if err != nil {
		t.Fatalf("GetOplogEntry: %v", err)
	}
	if idx != 5 || entry.Kind != KindImportedFunctionInvoked {
		t.Fatalf("got (%s, %s), want (5, ImportedFunctionInvoked)", idx, entry.Kind)
	}
}

func TestEventUniqueness(t *testing.T) {
	ctx := context.Background()
	entries := make([]Entry, 5)
	for i := range entries {
		entries[i] = Entry{Kind: KindImportedFunctionInvoked, FunctionName: "noop"}
	}
	c := newCursor(t, entries, nil)

	var total int
	for !c.IsLive() {
		if _, _, err := c.GetOplogEntry(ctx); err != nil {
			t.Fatalf("GetOplogEntry: %v", err)
		}
		for _, ev := range c.TakeNewReplayEvents() {
			if ev.Kind == ReplayEventFinished {
				total++
			}
		}
	}
	for _, ev := range c.TakeNewReplayEvents() {
		if ev.Kind == ReplayEventFinished {
			total++
		}
	}
	c.SwitchToLive()
	for _, ev := range c.TakeNewReplayEvents() {
		if ev.Kind == ReplayEventFinished {
			total++
		}
	}
	if total != 1 {
		t.Fatalf("got %d ReplayFinished events across the cursor's lifetime, want exactly 1", total)
	}
}

func TestTryGetOplogEntryRewindRoundTrip(t *testing.T) {
	ctx := context.Background()
	entries := []Entry{
		{Kind: KindCreate},
		{Kind: KindImportedFunctionInvoked, FunctionName: "a"},
	}
	c := newCursor(t, entries, nil)

	before := c.LastReplayedIndex()
	_, _, ok, err := c.TryGetOplogEntry(ctx, func(Entry) bool { return false })
	if err != nil {
		t.Fatalf("TryGetOplogEntry: %v", err)
	}
	if ok {
		t.Fatal("expected the rejecting condition to report ok=false")
	}
	if c.LastReplayedIndex() != before {
		t.Fatalf("cursor position leaked past a rejected peek: got %s, want %s", c.LastReplayedIndex(), before)
	}

	idx, entry, err := c.GetOplogEntry(ctx)
	if err != nil {
		t.Fatalf("GetOplogEntry: %v", err)
	}
	if idx != 2 || entry.FunctionName != "a" {
		t.Fatalf("got (%s, %q), want (2, \"a\")", idx, entry.FunctionName)
	}
}

func TestSeenLogRoundTrip(t *testing.T) {
	entries := []Entry{
		{Kind: KindCreate},
		{Kind: KindLog, LogLevel: LogLevelDebug, Context: "c", Message: "m"},
		{Kind: KindImportedFunctionInvoked, FunctionName: "a"},
	}
	c := newCursor(t, entries, nil)

	if !c.SeenLog(LogLevelDebug, "c", "m") {
		t.Fatal("expected the log entry to be seen right after construction")
	}
	c.RemoveSeenLog(LogLevelDebug, "c", "m")
	if c.SeenLog(LogLevelDebug, "c", "m") {
		t.Fatal("expected the log entry to no longer be seen after RemoveSeenLog")
	}
}

func TestAddSkippedRegionVisibleInSnapshot(t *testing.T) {
	entries := make([]Entry, 3)
	for i := range entries {
		entries[i] = Entry{Kind: KindImportedFunctionInvoked, FunctionName: "noop"}
	}
	c := newCursor(t, entries, nil)

	c.AddSkippedRegion(Region{Start: 2, End: 2})
	regions := c.SkippedRegions().Regions()
	if len(regions) != 1 || regions[0] != (Region{Start: 2, End: 2}) {
		t.Fatalf("got %v, want a single [2,2] region", regions)
	}
}
