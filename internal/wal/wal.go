package wal

import (
	"fmt"
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

const (
	segmentSuffix  = ".wal"
	checkpointFile = "CHECKPOINT"

	defaultMaxSegmentBytes = 64 * 1024 * 1024
)

// Config represents write-ahead log configuration
type Config struct {
	Dir             string      `yaml:"dir"`
	MaxSegmentBytes int64       `yaml:"max_segment_bytes"`
	Logger          *zap.Logger `yaml:"-"`

	// OnAppend, when set, observes every append attempt (duration, error).
	OnAppend func(time.Duration, error) `yaml:"-"`
}

// Log is the append-only, fsync-durable record of every mutating intent.
// Append returns only after the record is persisted; that is the system's
// only durability guarantee and is never weakened. A single writer owns
// append ordering; replayers may read concurrently.
type Log struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	logger   *zap.Logger
	onAppend func(time.Duration, error)

	active      *os.File
	activeStart uint64
	activeSize  int64

	nextSeq       uint64
	checkpointSeq uint64
	closed        bool
}

// segmentInfo describes one on-disk segment, named by its first sequence number.
type segmentInfo struct {
	path     string
	firstSeq uint64
}

// Open opens (or creates) the log in cfg.Dir, scanning existing segments to
// find the next sequence number and the checkpoint marker.
func Open(cfg Config) (*Log, error) {
	if cfg.Dir == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "wal dir must be set")
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "failed to create wal dir").WithCause(err)
	}

	l := &Log{
		dir:      cfg.Dir,
		maxBytes: cfg.MaxSegmentBytes,
		logger:   logging.OrNop(cfg.Logger).Named("wal"),
		onAppend: cfg.OnAppend,
		nextSeq:  1,
	}

	if err := l.loadCheckpoint(); err != nil {
		return nil, err
	}

	segments, err := l.listSegments()
	if err != nil {
		return nil, err
	}

	// The next sequence number is one past the last intact record of the
	// newest segment. Records after a corruption point are unreadable and
	// therefore never acknowledged, so skipping them preserves gap-freedom
	// in the new active segment.
	if len(segments) > 0 {
		last := segments[len(segments)-1]
		lastSeq, scanErr := scanLastSeq(last)
		if scanErr != nil {
			return nil, scanErr
		}
		if lastSeq >= l.nextSeq {
			l.nextSeq = lastSeq + 1
		}
		if lastSeq == 0 && last.firstSeq >= l.nextSeq {
			l.nextSeq = last.firstSeq
		}
	}

	if err := l.openSegment(l.nextSeq); err != nil {
		return nil, err
	}

	l.logger.Info("write-ahead log opened",
		zap.String("dir", l.dir),
		zap.Uint64("next_seq", l.nextSeq),
		zap.Uint64("checkpoint", l.checkpointSeq),
		zap.Int("segments", len(segments)+1))
	return l, nil
}

// Append durably persists one mutating intent and returns its sequence
// number. On error the operation did not take effect and the caller must
// not apply it.
func (l *Log) Append(op OpKind, id types.ContentID, backend types.BackendID, payload []byte) (uint64, error) {
	start := time.Now()
	seq, err := l.append(op, id, backend, payload)
	if l.onAppend != nil {
		l.onAppend(time.Since(start), err)
	}
	return seq, err
}

func (l *Log) append(op OpKind, id types.ContentID, backend types.BackendID, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, errors.New(errors.ErrCodeDurabilityFault, "append on closed log").
			WithCause(errors.New(errors.ErrCodeWALClosed, "log closed")).
			WithComponent("wal").WithOperation("append")
	}

	rec := &Record{
		Seq:       l.nextSeq,
		Op:        op,
		ContentID: id,
		Backend:   backend,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	frame := encodeRecord(rec)

	if l.activeSize > 0 && l.activeSize+int64(len(frame)) > l.maxBytes {
		if err := l.rotate(); err != nil {
			return 0, errors.New(errors.ErrCodeDurabilityFault, "segment rotation failed").
				WithCause(err).WithComponent("wal").WithOperation("append")
		}
	}

	n, err := l.active.Write(frame)
	if err != nil {
		// Roll the file back to the last complete record so the segment
		// stays replayable; the checksum would catch the torn frame anyway.
		_ = l.active.Truncate(l.activeSize)
		_, _ = l.active.Seek(l.activeSize, 0)
		return 0, errors.New(errors.ErrCodeDurabilityFault, "record write failed").
			WithCause(err).WithComponent("wal").WithOperation("append").
			WithDetail("seq", rec.Seq)
	}
	if err := l.active.Sync(); err != nil {
		_ = l.active.Truncate(l.activeSize)
		_, _ = l.active.Seek(l.activeSize, 0)
		return 0, errors.New(errors.ErrCodeDurabilityFault, "fsync failed").
			WithCause(err).WithComponent("wal").WithOperation("append").
			WithDetail("seq", rec.Seq)
	}

	l.activeSize += int64(n)
	l.nextSeq++
	return rec.Seq, nil
}

// Checkpoint records that all records up to and including seq are reflected
// in the metadata index. Segments fully covered become eligible for
// truncation.
func (l *Log) Checkpoint(seq uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if seq < l.checkpointSeq {
		return errors.Newf(errors.ErrCodeOutOfOrderMutation,
			"checkpoint %d behind existing checkpoint %d", seq, l.checkpointSeq).
			WithComponent("wal")
	}

	path := filepath.Join(l.dir, checkpointFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(seq, 10)), 0600); err != nil {
		return errors.New(errors.ErrCodeDurabilityFault, "checkpoint write failed").WithCause(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.New(errors.ErrCodeDurabilityFault, "checkpoint rename failed").WithCause(err)
	}

	l.checkpointSeq = seq
	l.logger.Debug("checkpoint advanced", zap.Uint64("seq", seq))
	return nil
}

// Checkpointed returns the last recorded checkpoint sequence number.
func (l *Log) Checkpointed() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpointSeq
}

// NextSeq returns the sequence number the next append will receive.
func (l *Log) NextSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// TruncateObsolete removes segments whose every record is covered by the
// checkpoint. The active segment is never removed. Returns the number of
// segments deleted.
func (l *Log) TruncateObsolete() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	segments, err := l.listSegments()
	if err != nil {
		return 0, err
	}

	removed := 0
	for i, seg := range segments {
		if seg.firstSeq == l.activeStart {
			continue
		}
		// A non-active segment ends right before the next segment starts.
		var end uint64
		if i+1 < len(segments) {
			end = segments[i+1].firstSeq - 1
		} else {
			continue
		}
		if end > l.checkpointSeq {
			continue
		}
		if err := os.Remove(seg.path); err != nil {
			return removed, errors.New(errors.ErrCodeInternalError, "segment removal failed").WithCause(err)
		}
		removed++
		l.logger.Info("truncated wal segment",
			zap.String("segment", filepath.Base(seg.path)),
			zap.Uint64("last_seq", end))
	}
	return removed, nil
}

// Close drains and closes the active segment. Every acknowledged append is
// already fsynced, so an abrupt kill at any point leaves the log replayable.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if l.active != nil {
		if err := l.active.Sync(); err != nil {
			_ = l.active.Close()
			return err
		}
		return l.active.Close()
	}
	return nil
}

func (l *Log) rotate() error {
	if err := l.active.Sync(); err != nil {
		return err
	}
	if err := l.active.Close(); err != nil {
		return err
	}
	return l.openSegment(l.nextSeq)
}

func (l *Log) openSegment(firstSeq uint64) error {
	path := filepath.Join(l.dir, segmentName(firstSeq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return errors.New(errors.ErrCodeDurabilityFault, "failed to open segment").WithCause(err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errors.New(errors.ErrCodeDurabilityFault, "failed to stat segment").WithCause(err)
	}
	l.active = f
	l.activeStart = firstSeq
	l.activeSize = info.Size()
	return nil
}

func (l *Log) loadCheckpoint() error {
	data, err := os.ReadFile(filepath.Join(l.dir, checkpointFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(errors.ErrCodeConfigLoad, "failed to read checkpoint marker").WithCause(err)
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return errors.New(errors.ErrCodeIndexCorrupt, "unparseable checkpoint marker").WithCause(err)
	}
	l.checkpointSeq = seq
	if seq >= l.nextSeq {
		l.nextSeq = seq + 1
	}
	return nil
}

// listSegments returns on-disk segments sorted by first sequence number.
// Callers must hold l.mu or tolerate a stale listing.
func (l *Log) listSegments() ([]segmentInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "failed to list wal dir").WithCause(err)
	}
	var segments []segmentInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 16, 64)
		if err != nil {
			l.logger.Warn("ignoring unrecognized file in wal dir", zap.String("file", name))
			continue
		}
		segments = append(segments, segmentInfo{
			path:     filepath.Join(l.dir, name),
			firstSeq: seq,
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].firstSeq < segments[j].firstSeq })
	return segments, nil
}

// scanLastSeq walks one segment and returns the sequence number of its last
// intact record, or zero for an empty segment. Corruption simply ends the
// scan: everything past it was never acknowledged.
func scanLastSeq(seg segmentInfo) (uint64, error) {
	f, err := os.Open(seg.path)
	if err != nil {
		return 0, errors.New(errors.ErrCodeConfigLoad, "failed to open segment for scan").WithCause(err)
	}
	defer func() { _ = f.Close() }()

	var last uint64
	for {
		rec, err := readRecord(f)
		if err != nil {
			return last, nil
		}
		last = rec.Seq
	}
}

func segmentName(firstSeq uint64) string {
	return fmt.Sprintf("%016x%s", firstSeq, segmentSuffix)
}
