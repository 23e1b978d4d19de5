package index

import (
	"github.com/pinstack/pinstack/pkg/types"
)

// Predicate selects rows during a scan. The record passed in is a private
// clone; predicates may read it freely but mutations go nowhere.
type Predicate func(*types.PinRecord) bool

// UnderReplicated matches rows with fewer present replicas than min.
func UnderReplicated(min int) Predicate {
	return func(rec *types.PinRecord) bool {
		return rec.PresentCount() < min
	}
}

// OverReplicated matches rows with more present replicas than max.
func OverReplicated(max int) Predicate {
	return func(rec *types.PinRecord) bool {
		return rec.PresentCount() > max
	}
}

// OnBackend matches rows with a replica (present or not) on the backend.
func OnBackend(id types.BackendID) Predicate {
	return func(rec *types.PinRecord) bool {
		return rec.HasBackend(id)
	}
}

// All matches every row.
func All() Predicate {
	return func(*types.PinRecord) bool { return true }
}

// Scanner is a lazy iterator over index rows matching a predicate, in
// content id order. It works on a snapshot of the id set taken at creation;
// rows mutated after the snapshot are re-read at visit time, rows removed
// after the snapshot are skipped.
type Scanner struct {
	idx  *Index
	pred Predicate
	ids  []types.ContentID
	i    int
	rec  *types.PinRecord
}

// Scan returns a lazy iterator over rows matching pred.
func (idx *Index) Scan(pred Predicate) *Scanner {
	idx.mu.RLock()
	ids := idx.allIDsLocked()
	idx.mu.RUnlock()

	return &Scanner{idx: idx, pred: pred, ids: ids}
}

// Next advances to the next matching row, returning false when exhausted.
func (s *Scanner) Next() bool {
	for s.i < len(s.ids) {
		id := s.ids[s.i]
		s.i++

		s.idx.mu.RLock()
		rec := s.idx.lookupLocked(id)
		s.idx.mu.RUnlock()
		if rec == nil || !s.pred(rec) {
			continue
		}
		s.rec = rec
		return true
	}
	return false
}

// Record returns the row at the current position. The caller owns it.
func (s *Scanner) Record() *types.PinRecord {
	return s.rec
}

// ListPins collects all matching rows eagerly. Convenient for small result
// sets; prefer Scan for anything proportional to the whole table.
func (idx *Index) ListPins(pred Predicate) []*types.PinRecord {
	var out []*types.PinRecord
	s := idx.Scan(pred)
	for s.Next() {
		out = append(out, s.Record())
	}
	return out
}
