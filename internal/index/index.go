package index

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/logging"
	"github.com/pinstack/pinstack/pkg/types"
)

const bufferFileName = "append.log"

const defaultCompactThreshold = 4096

// Config represents metadata index configuration
type Config struct {
	Dir              string      `yaml:"dir"`
	CompactThreshold int         `yaml:"compact_threshold"`
	Logger           *zap.Logger `yaml:"-"`

	// OnCompaction, when set, observes every compaction.
	OnCompaction func() `yaml:"-"`
}

// rowEntry is one live or tombstoned row in the append buffer.
type rowEntry struct {
	rec     *types.PinRecord
	seq     uint64
	deleted bool
}

// bufferLine is the on-disk form of one append-buffer mutation.
type bufferLine struct {
	Seq     uint64           `json:"seq"`
	Deleted bool             `json:"deleted,omitempty"`
	Record  *types.PinRecord `json:"record,omitempty"`
	ID      types.ContentID  `json:"id,omitempty"`
}

// Index is the content-addressed metadata table: a mutable append buffer in
// front of immutable columnar segments, merged on compaction. Mutations must
// carry the WAL sequence number that recorded their intent and are rejected
// out of order, which is what makes replay deterministic. The read path
// never touches the log.
type Index struct {
	mu     sync.RWMutex
	dir    string
	logger *zap.Logger

	threshold    int
	onCompaction func()

	memtable map[types.ContentID]*rowEntry
	segments []*segment
	nextSeg  uint64

	bufferFile  *os.File
	bufferCount int

	lastApplied uint64
	closed      bool
}

// Open loads the index from dir, replaying the append buffer over the
// compacted segments.
func Open(cfg Config) (*Index, error) {
	if cfg.Dir == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "index dir must be set")
	}
	if cfg.CompactThreshold <= 0 {
		cfg.CompactThreshold = defaultCompactThreshold
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "failed to create index dir").WithCause(err)
	}

	idx := &Index{
		dir:          cfg.Dir,
		logger:       logging.OrNop(cfg.Logger).Named("index"),
		threshold:    cfg.CompactThreshold,
		onCompaction: cfg.OnCompaction,
		memtable:     make(map[types.ContentID]*rowEntry),
		nextSeg:      1,
	}

	if err := idx.loadSegments(); err != nil {
		return nil, err
	}
	if err := idx.loadBuffer(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(cfg.Dir, bufferFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "failed to open append buffer").WithCause(err)
	}
	idx.bufferFile = f

	idx.logger.Info("metadata index opened",
		zap.String("dir", cfg.Dir),
		zap.Int("segments", len(idx.segments)),
		zap.Int("buffered", idx.bufferCount),
		zap.Uint64("last_applied", idx.lastApplied))
	return idx, nil
}

// UpsertPin creates or replaces the row for a content id. A fresh row
// starts with an empty backend set: that is a pin awaiting replication,
// not a deleted pin.
func (idx *Index) UpsertPin(seq uint64, id types.ContentID, size int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.admitSeq(seq); err != nil {
		return err
	}

	rec := idx.lookupLocked(id)
	if rec == nil {
		rec = &types.PinRecord{
			ContentID:     id,
			SizeBytes:     size,
			CreatedAt:     time.Now(),
			ReplicaHealth: make(map[types.BackendID]types.ReplicaState),
		}
	} else {
		rec.SizeBytes = size
	}
	return idx.applyLocked(seq, rec, false)
}

// AddReplica records that a backend now holds a durable copy.
func (idx *Index) AddReplica(seq uint64, id types.ContentID, backend types.BackendID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.admitSeq(seq); err != nil {
		return err
	}
	rec := idx.lookupLocked(id)
	if rec == nil {
		return errors.Newf(errors.ErrCodePinNotFound, "no pin for %s", id)
	}
	rec.AddBackend(backend, types.ReplicaPresent)
	rec.LastVerifiedAt = time.Now()
	return idx.applyLocked(seq, rec, false)
}

// RemoveReplica records that a backend no longer holds a copy.
func (idx *Index) RemoveReplica(seq uint64, id types.ContentID, backend types.BackendID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.admitSeq(seq); err != nil {
		return err
	}
	rec := idx.lookupLocked(id)
	if rec == nil {
		return errors.Newf(errors.ErrCodePinNotFound, "no pin for %s", id)
	}
	rec.RemoveBackend(backend)
	return idx.applyLocked(seq, rec, false)
}

// RemovePin removes the row entirely. Only an explicit unpin does this;
// an empty backend set never implies removal.
func (idx *Index) RemovePin(seq uint64, id types.ContentID) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.admitSeq(seq); err != nil {
		return err
	}
	if idx.lookupLocked(id) == nil {
		// Removing an absent row still consumes the sequence number so
		// replay stays deterministic.
		idx.lastApplied = seq
		return nil
	}
	return idx.applyLocked(seq, &types.PinRecord{ContentID: id}, true)
}

// GetPin returns a clone of the row, or PIN_NOT_FOUND.
func (idx *Index) GetPin(id types.ContentID) (*types.PinRecord, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if e, ok := idx.memtable[id]; ok {
		if e.deleted {
			return nil, errors.Newf(errors.ErrCodePinNotFound, "no pin for %s", id)
		}
		return e.rec.Clone(), nil
	}
	for i := len(idx.segments) - 1; i >= 0; i-- {
		if rec, _ := idx.segments[i].get(id); rec != nil {
			return rec, nil
		}
	}
	return nil, errors.Newf(errors.ErrCodePinNotFound, "no pin for %s", id)
}

// TouchAccess is the cache's internal update path for access statistics.
// It does not go through the WAL: access counters are advisory and are made
// durable when the row is next compacted.
func (idx *Index) TouchAccess(id types.ContentID, at time.Time) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec := idx.lookupLocked(id)
	if rec == nil {
		return
	}
	rec.LastAccessTime = at
	rec.AccessCount++
	idx.stageLocked(rec, idx.rowSeq(id), false)
}

// MarkBackendMissing flips every present replica on the backend to missing,
// preserving membership so history survives the backend's recovery. Called
// by the health monitor when a backend becomes unreachable. Returns the
// number of rows touched.
func (idx *Index) MarkBackendMissing(backend types.BackendID) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	touched := 0
	for _, id := range idx.allIDsLocked() {
		rec := idx.lookupLocked(id)
		if rec == nil || !rec.HasBackend(backend) {
			continue
		}
		if rec.ReplicaHealth[backend] != types.ReplicaMissing {
			rec.ReplicaHealth[backend] = types.ReplicaMissing
			idx.stageLocked(rec, idx.rowSeq(id), false)
			touched++
		}
	}
	return touched
}

// MarkReplicaState sets the replica state for one backend on one row, used
// by the coordinator's verification pass. Not WAL-recorded: replica health
// is an observation, not an intent.
func (idx *Index) MarkReplicaState(id types.ContentID, backend types.BackendID, state types.ReplicaState) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec := idx.lookupLocked(id)
	if rec == nil {
		return errors.Newf(errors.ErrCodePinNotFound, "no pin for %s", id)
	}
	if !rec.HasBackend(backend) {
		return errors.Newf(errors.ErrCodeBackendUnknown, "pin %s has no replica on %s", id, backend)
	}
	rec.ReplicaHealth[backend] = state
	if state == types.ReplicaPresent {
		rec.LastVerifiedAt = time.Now()
	}
	idx.stageLocked(rec, idx.rowSeq(id), false)
	return nil
}

// LastApplied returns the highest WAL sequence number reflected in the index.
func (idx *Index) LastApplied() uint64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.lastApplied
}

// Count returns the number of live rows.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.allIDsLocked())
}

// Flush fsyncs the append buffer. The WAL checkpoint may only advance past
// sequence numbers that have been flushed here.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.bufferFile == nil {
		return nil
	}
	return idx.bufferFile.Sync()
}

// Compact merges the append buffer and all segments into one fresh segment
// and resets the buffer. Point reads and scans see the merged result either
// way; compaction is about keeping the buffer small and replay cheap.
func (idx *Index) Compact() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.compactLocked()
}

// Close flushes and releases the buffer file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}
	idx.closed = true
	if idx.bufferFile != nil {
		if err := idx.bufferFile.Sync(); err != nil {
			_ = idx.bufferFile.Close()
			return err
		}
		return idx.bufferFile.Close()
	}
	return nil
}

// admitSeq enforces the strictly-increasing mutation order the WAL
// serialized. A violation is a programming or replay bug and is fatal to
// the mutation, never silently ignored.
func (idx *Index) admitSeq(seq uint64) error {
	if idx.closed {
		return errors.New(errors.ErrCodeShuttingDown, "index closed")
	}
	if seq <= idx.lastApplied {
		return errors.Newf(errors.ErrCodeOutOfOrderMutation,
			"mutation seq %d not after last applied %d", seq, idx.lastApplied).
			WithComponent("index")
	}
	return nil
}

// lookupLocked returns a mutable copy of the current row, or nil.
func (idx *Index) lookupLocked(id types.ContentID) *types.PinRecord {
	if e, ok := idx.memtable[id]; ok {
		if e.deleted {
			return nil
		}
		return e.rec.Clone()
	}
	for i := len(idx.segments) - 1; i >= 0; i-- {
		if rec, _ := idx.segments[i].get(id); rec != nil {
			return rec
		}
	}
	return nil
}

// rowSeq returns the sequence number currently attached to the row.
func (idx *Index) rowSeq(id types.ContentID) uint64 {
	if e, ok := idx.memtable[id]; ok {
		return e.seq
	}
	for i := len(idx.segments) - 1; i >= 0; i-- {
		if rec, seq := idx.segments[i].get(id); rec != nil {
			return seq
		}
	}
	return 0
}

// applyLocked stages the mutated row, persists it to the append buffer, and
// advances lastApplied. Callers have already validated seq.
func (idx *Index) applyLocked(seq uint64, rec *types.PinRecord, deleted bool) error {
	idx.stageLocked(rec, seq, deleted)
	idx.lastApplied = seq

	if idx.bufferCount >= idx.threshold {
		if err := idx.compactLocked(); err != nil {
			idx.logger.Warn("compaction failed, continuing with larger buffer", zap.Error(err))
		}
	}
	return nil
}

// stageLocked puts the row into the memtable and appends it to the buffer
// file. Buffer writes are not individually fsynced; durability of intent is
// the WAL's job, and checkpoints only advance after Flush.
func (idx *Index) stageLocked(rec *types.PinRecord, seq uint64, deleted bool) {
	idx.memtable[rec.ContentID] = &rowEntry{rec: rec, seq: seq, deleted: deleted}
	idx.bufferCount++

	line := bufferLine{Seq: seq, Deleted: deleted}
	if deleted {
		line.ID = rec.ContentID
	} else {
		line.Record = rec
	}
	if idx.bufferFile != nil {
		data, err := json.Marshal(&line)
		if err == nil {
			data = append(data, '\n')
			_, err = idx.bufferFile.Write(data)
		}
		if err != nil {
			idx.logger.Warn("append buffer write failed", zap.Error(err))
		}
	}
}

func (idx *Index) compactLocked() error {
	rows := make([]*rowEntry, 0, len(idx.memtable))
	for _, id := range idx.allIDsLocked() {
		rec := idx.lookupLocked(id)
		if rec == nil {
			continue
		}
		rows = append(rows, &rowEntry{rec: rec, seq: idx.rowSeq(id)})
	}

	seg, err := writeSegment(idx.dir, idx.nextSeg, rows)
	if err != nil {
		return err
	}

	// The new segment shadows everything; drop the old ones.
	old := idx.segments
	idx.segments = []*segment{seg}
	idx.nextSeg++
	idx.memtable = make(map[types.ContentID]*rowEntry)
	idx.bufferCount = 0

	if idx.bufferFile != nil {
		_ = idx.bufferFile.Close()
	}
	bufferPath := filepath.Join(idx.dir, bufferFileName)
	if err := os.Remove(bufferPath); err != nil && !os.IsNotExist(err) {
		return errors.New(errors.ErrCodeInternalError, "buffer reset failed").WithCause(err)
	}
	f, err := os.OpenFile(bufferPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "buffer reopen failed").WithCause(err)
	}
	idx.bufferFile = f

	for _, s := range old {
		_ = os.Remove(s.path)
	}

	if idx.onCompaction != nil {
		idx.onCompaction()
	}
	idx.logger.Info("index compacted",
		zap.Int("rows", len(rows)),
		zap.Uint64("segment", seg.id))
	return nil
}

// allIDsLocked returns the ids of all live rows, memtable and segments
// merged, in sorted order.
func (idx *Index) allIDsLocked() []types.ContentID {
	seen := make(map[types.ContentID]bool)
	var ids []types.ContentID

	for id, e := range idx.memtable {
		seen[id] = true
		if !e.deleted {
			ids = append(ids, id)
		}
	}
	for i := len(idx.segments) - 1; i >= 0; i-- {
		for _, id := range idx.segments[i].cols.IDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (idx *Index) loadSegments() error {
	entries, err := os.ReadDir(idx.dir)
	if err != nil {
		return errors.New(errors.ErrCodeConfigLoad, "failed to list index dir").WithCause(err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 16, 64)
		if err != nil {
			idx.logger.Warn("ignoring unrecognized file in index dir", zap.String("file", name))
			continue
		}
		seg, err := loadSegment(filepath.Join(idx.dir, name), id)
		if err != nil {
			return err
		}
		idx.segments = append(idx.segments, seg)
		if id >= idx.nextSeg {
			idx.nextSeg = id + 1
		}
		for _, seq := range seg.cols.Seqs {
			if seq > idx.lastApplied {
				idx.lastApplied = seq
			}
		}
	}
	sort.Slice(idx.segments, func(i, j int) bool { return idx.segments[i].id < idx.segments[j].id })
	return nil
}

func (idx *Index) loadBuffer() error {
	f, err := os.Open(filepath.Join(idx.dir, bufferFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(errors.ErrCodeConfigLoad, "failed to open append buffer").WithCause(err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var line bufferLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			// A torn tail line means the process died mid-write; everything
			// after it is recovered from the WAL instead.
			idx.logger.Warn("append buffer truncated at torn line")
			break
		}
		if line.Deleted {
			idx.memtable[line.ID] = &rowEntry{
				rec:     &types.PinRecord{ContentID: line.ID},
				seq:     line.Seq,
				deleted: true,
			}
		} else if line.Record != nil {
			idx.memtable[line.Record.ContentID] = &rowEntry{rec: line.Record, seq: line.Seq}
		}
		idx.bufferCount++
		if line.Seq > idx.lastApplied {
			idx.lastApplied = line.Seq
		}
	}
	return nil
}
