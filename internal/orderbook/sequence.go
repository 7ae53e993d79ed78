package orderbook

import "sync"

// SyncState is the per-pair synchronization state.
type SyncState int

const (
	StateUninitialized SyncState = iota
	StateSynced
	StateAwaitingResync
)

func (s SyncState) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateAwaitingResync:
		return "awaiting_resync"
	default:
		return "uninitialized"
	}
}

// Verdict classifies an incoming diff against the tracked sequence.
type Verdict int

const (
	// VerdictApply means the diff is the next expected one.
	VerdictApply Verdict = iota
	// VerdictStale means the diff is at or below the last applied sequence.
	VerdictStale
	// VerdictGap means one or more diffs were missed.
	VerdictGap
	// VerdictUnsynced means the pair has no usable baseline.
	VerdictUnsynced
)

type pairSequence struct {
	state SyncState
	last  int64
	// pending is the highest diff id dropped while awaiting a resync.
	pending int64
}

// SequenceTracker records the last applied update id per pair. Diffs never move it backwards.
type SequenceTracker struct {
	mu    sync.Mutex
	pairs map[string]pairSequence
}

// NewSequenceTracker returns an empty tracker; every pair starts uninitialized.
func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{pairs: make(map[string]pairSequence)}
}

// Classify decides what to do with a diff carrying updateID.
func (t *SequenceTracker) Classify(pair string, updateID int64) Verdict {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.pairs[pair]
	if !ok || seq.state != StateSynced {
		return VerdictUnsynced
	}
	switch {
	case updateID <= seq.last:
		return VerdictStale
	case updateID == seq.last+1:
		return VerdictApply
	default:
		return VerdictGap
	}
}

// Advance records an applied diff. Lower ids are ignored.
func (t *SequenceTracker) Advance(pair string, updateID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.pairs[pair]
	if seq.state == StateSynced && updateID > seq.last {
		seq.last = updateID
		t.pairs[pair] = seq
	}
}

// MarkSynced unconditionally sets the baseline from a snapshot.
func (t *SequenceTracker) MarkSynced(pair string, updateID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pairs[pair] = pairSequence{state: StateSynced, last: updateID}
}

// MarkAwaitingResync parks the pair until a snapshot arrives. gapID is the diff that
// exposed the gap; it is never applied.
func (t *SequenceTracker) MarkAwaitingResync(pair string, gapID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.pairs[pair]
	if !ok {
		seq.last = -1
	}
	seq.state = StateAwaitingResync
	seq.pending = max(seq.last, gapID)
	t.pairs[pair] = seq
}

// NoteDropped records a diff discarded while the pair awaits its resync.
func (t *SequenceTracker) NoteDropped(pair string, updateID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.pairs[pair]
	if !ok || seq.state != StateAwaitingResync || updateID <= seq.pending {
		return
	}
	seq.pending = updateID
	t.pairs[pair] = seq
}

// ResyncBaseline returns the id a resync snapshot must be synced at: the snapshot id,
// or the highest diff dropped while waiting for it when that is newer.
func (t *SequenceTracker) ResyncBaseline(pair string, snapshotID int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.pairs[pair]
	if !ok || seq.state != StateAwaitingResync {
		return snapshotID
	}
	return max(snapshotID, seq.pending)
}

// State returns the pair state and its last applied id (-1 when never synced).
func (t *SequenceTracker) State(pair string) (SyncState, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq, ok := t.pairs[pair]
	if !ok {
		return StateUninitialized, -1
	}
	return seq.state, seq.last
}

// LastApplied returns the last applied update id, -1 when never synced.
func (t *SequenceTracker) LastApplied(pair string) int64 {
	_, last := t.State(pair)
	return last
}

// Reset forgets pair.
func (t *SequenceTracker) Reset(pair string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pairs, pair)
}

// ResetAll forgets every pair, used when the stream terminates.
func (t *SequenceTracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.pairs)
}
