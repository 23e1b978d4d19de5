package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

const segmentExt = ".seg"

// segmentColumns is the on-disk shape of one immutable columnar segment.
// Rows are stored column-wise, sorted by content id; the i-th element of
// every column belongs to the same row. Tombstones are resolved before a
// segment is written, so segments only ever contain live rows.
type segmentColumns struct {
	IDs          []types.ContentID                    `json:"ids"`
	Sizes        []int64                              `json:"sizes"`
	Created      []time.Time                          `json:"created"`
	Backends     [][]types.BackendID                  `json:"backends"`
	Health       []map[types.BackendID]types.ReplicaState `json:"health"`
	LastVerified []time.Time                          `json:"last_verified"`
	LastAccess   []time.Time                          `json:"last_access"`
	AccessCounts []int64                              `json:"access_counts"`
	Seqs         []uint64                             `json:"seqs"`
}

// segment is an immutable, read-optimized run of rows with an in-memory
// position index for point reads.
type segment struct {
	id   uint64
	path string
	cols segmentColumns
	pos  map[types.ContentID]int
}

func (s *segment) len() int { return len(s.cols.IDs) }

// row materializes one row as a PinRecord plus its applied sequence number.
func (s *segment) row(i int) (*types.PinRecord, uint64) {
	rec := &types.PinRecord{
		ContentID:      s.cols.IDs[i],
		SizeBytes:      s.cols.Sizes[i],
		CreatedAt:      s.cols.Created[i],
		Backends:       append([]types.BackendID(nil), s.cols.Backends[i]...),
		ReplicaHealth:  make(map[types.BackendID]types.ReplicaState, len(s.cols.Health[i])),
		LastVerifiedAt: s.cols.LastVerified[i],
		LastAccessTime: s.cols.LastAccess[i],
		AccessCount:    s.cols.AccessCounts[i],
	}
	for id, st := range s.cols.Health[i] {
		rec.ReplicaHealth[id] = st
	}
	return rec, s.cols.Seqs[i]
}

// get returns the row for the content id, or nil.
func (s *segment) get(id types.ContentID) (*types.PinRecord, uint64) {
	i, ok := s.pos[id]
	if !ok {
		return nil, 0
	}
	return s.row(i)
}

// writeSegment persists rows as a new immutable segment file. Rows are
// sorted by content id before columnarization. The write is atomic
// (tmp file + rename) and fsynced.
func writeSegment(dir string, id uint64, rows []*rowEntry) (*segment, error) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].rec.ContentID < rows[j].rec.ContentID })

	cols := segmentColumns{
		IDs:          make([]types.ContentID, 0, len(rows)),
		Sizes:        make([]int64, 0, len(rows)),
		Created:      make([]time.Time, 0, len(rows)),
		Backends:     make([][]types.BackendID, 0, len(rows)),
		Health:       make([]map[types.BackendID]types.ReplicaState, 0, len(rows)),
		LastVerified: make([]time.Time, 0, len(rows)),
		LastAccess:   make([]time.Time, 0, len(rows)),
		AccessCounts: make([]int64, 0, len(rows)),
		Seqs:         make([]uint64, 0, len(rows)),
	}
	for _, r := range rows {
		cols.IDs = append(cols.IDs, r.rec.ContentID)
		cols.Sizes = append(cols.Sizes, r.rec.SizeBytes)
		cols.Created = append(cols.Created, r.rec.CreatedAt)
		cols.Backends = append(cols.Backends, r.rec.Backends)
		cols.Health = append(cols.Health, r.rec.ReplicaHealth)
		cols.LastVerified = append(cols.LastVerified, r.rec.LastVerifiedAt)
		cols.LastAccess = append(cols.LastAccess, r.rec.LastAccessTime)
		cols.AccessCounts = append(cols.AccessCounts, r.rec.AccessCount)
		cols.Seqs = append(cols.Seqs, r.seq)
	}

	path := filepath.Join(dir, segmentFileName(id))
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternalError, "segment create failed").WithCause(err)
	}
	if err := json.NewEncoder(f).Encode(&cols); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nil, errors.New(errors.ErrCodeInternalError, "segment encode failed").WithCause(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return nil, errors.New(errors.ErrCodeInternalError, "segment fsync failed").WithCause(err)
	}
	if err := f.Close(); err != nil {
		return nil, errors.New(errors.ErrCodeInternalError, "segment close failed").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, errors.New(errors.ErrCodeInternalError, "segment rename failed").WithCause(err)
	}

	seg := &segment{id: id, path: path, cols: cols}
	seg.buildPos()
	return seg, nil
}

// loadSegment reads a segment file and rebuilds its position index.
func loadSegment(path string, id uint64) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(errors.ErrCodeIndexCorrupt, "segment open failed").WithCause(err)
	}
	defer func() { _ = f.Close() }()

	seg := &segment{id: id, path: path}
	if err := json.NewDecoder(f).Decode(&seg.cols); err != nil {
		return nil, errors.New(errors.ErrCodeIndexCorrupt, "segment decode failed").WithCause(err)
	}
	n := len(seg.cols.IDs)
	if len(seg.cols.Sizes) != n || len(seg.cols.Created) != n || len(seg.cols.Backends) != n ||
		len(seg.cols.Health) != n || len(seg.cols.LastVerified) != n ||
		len(seg.cols.LastAccess) != n || len(seg.cols.AccessCounts) != n || len(seg.cols.Seqs) != n {
		return nil, errors.New(errors.ErrCodeIndexCorrupt, "segment columns disagree on row count")
	}
	seg.buildPos()
	return seg, nil
}

func (s *segment) buildPos() {
	s.pos = make(map[types.ContentID]int, len(s.cols.IDs))
	for i, id := range s.cols.IDs {
		s.pos[id] = i
	}
}

func segmentFileName(id uint64) string {
	return fmt.Sprintf("%08x%s", id, segmentExt)
}
