package exporter

import (
	"github.com/Sternrassler/greyfinch-sync/pkg/checkpoint"
	"github.com/Sternrassler/greyfinch-sync/pkg/entity"
)

// Phase is a state of the export state machine.
type Phase string

const (
	PhaseStarting        Phase = "starting"
	PhaseFetchingBatch   Phase = "fetching_batch"
	PhaseDeduplicating   Phase = "deduplicating"
	PhasePersisting      Phase = "persisting"
	PhaseCheckpointSaved Phase = "checkpoint_saved"
	PhaseCompleted       Phase = "completed"
	PhaseHalted          Phase = "halted"
	PhaseFailed          Phase = "failed"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeHalted    Outcome = "halted"
	OutcomeFailed    Outcome = "failed"
)

// DedupeSet holds the ids already present in the output.
type DedupeSet map[string]struct{}

// Has reports whether id was seen.
func (s DedupeSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add records id.
func (s DedupeSet) Add(id string) {
	s[id] = struct{}{}
}

// Len returns the number of ids.
func (s DedupeSet) Len() int {
	return len(s)
}

// Batch is one fetched page.
type Batch struct {
	Offset    int
	Requested int
	// Received counts page elements, including rejected ones.
	Received int
	Records  []entity.Record
	Rejected int
}

// Full reports whether the upstream returned a whole page, meaning more
// data may follow.
func (b Batch) Full() bool {
	return b.Received >= b.Requested
}

// State is threaded through every iteration of a run. Only its checkpoint
// is persisted.
type State struct {
	Phase      Phase
	Checkpoint checkpoint.Checkpoint
	Seen       DedupeSet
	Batches    int
	New        int
	Duplicates int
	Rejected   int
}

// dedupe returns the records whose ids are neither in the set nor earlier
// in recs.
func (st *State) dedupe(recs []entity.Record) []entity.Record {
	batchSeen := make(map[string]struct{}, len(recs))
	var fresh []entity.Record
	for _, r := range recs {
		if st.Seen.Has(r.ID) {
			continue
		}
		if _, dup := batchSeen[r.ID]; dup {
			continue
		}
		batchSeen[r.ID] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh
}

// Result summarizes one entity run.
type Result struct {
	Entity     string
	Outcome    Outcome
	Checkpoint checkpoint.Checkpoint
	New        int
	Duplicates int
	Rejected   int
	Batches    int
	Err        error
}
