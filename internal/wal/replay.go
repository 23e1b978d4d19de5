package wal

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// TruncationWarning reports that replay of one segment stopped early at a
// corrupted record. Recovery proceeds with the remaining segments; data
// after the truncation point of that segment is lost.
type TruncationWarning struct {
	Segment     string `json:"segment"`
	LastGoodSeq uint64 `json:"last_good_seq"`
	Reason      string `json:"reason"`
}

// Replayer is a lazy, finite, restartable iterator over log records with
// sequence numbers >= the requested start. Create a fresh Replayer to
// restart. Replayers read segment files directly and may run concurrently
// with the single appender.
type Replayer struct {
	segments []segmentInfo
	fromSeq  uint64
	logger   *zap.Logger

	segIdx     int
	file       *os.File
	rec        *Record
	segLastSeq uint64
	err        error
	warnings   []TruncationWarning
	done       bool
}

// Replay returns an iterator over records with Seq >= fromSeq, in sequence
// order. Corrupted records terminate the containing segment's replay with a
// warning; later segments are still visited.
func (l *Log) Replay(fromSeq uint64) (*Replayer, error) {
	l.mu.Lock()
	segments, err := l.listSegments()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &Replayer{
		segments: segments,
		fromSeq:  fromSeq,
		logger:   l.logger,
	}, nil
}

// Next advances to the next record. It returns false at the end of the log
// or on a fatal error; check Err afterwards.
func (r *Replayer) Next() bool {
	if r.done || r.err != nil {
		return false
	}

	for {
		if r.file == nil {
			if r.segIdx >= len(r.segments) {
				r.done = true
				return false
			}
			// Skip segments that end before the requested start. A
			// segment's records begin at its name; the one preceding the
			// first segment with firstSeq > fromSeq may still straddle it.
			if r.segIdx+1 < len(r.segments) && r.segments[r.segIdx+1].firstSeq <= r.fromSeq {
				r.segIdx++
				continue
			}
			f, err := os.Open(r.segments[r.segIdx].path)
			if err != nil {
				r.err = err
				return false
			}
			r.file = f
			r.segLastSeq = 0
		}

		rec, err := readRecord(r.file)
		if err != nil {
			_ = r.file.Close()
			r.file = nil
			if err != io.EOF {
				warning := TruncationWarning{
					Segment:     filepath.Base(r.segments[r.segIdx].path),
					LastGoodSeq: r.segLastSeq,
					Reason:      err.Error(),
				}
				r.warnings = append(r.warnings, warning)
				r.logger.Warn("wal segment truncated during replay",
					zap.String("segment", warning.Segment),
					zap.Uint64("last_good_seq", warning.LastGoodSeq),
					zap.String("reason", warning.Reason))
			}
			r.segIdx++
			continue
		}

		r.segLastSeq = rec.Seq
		if rec.Seq < r.fromSeq {
			continue
		}
		r.rec = rec
		return true
	}
}

// Record returns the record at the current position.
func (r *Replayer) Record() *Record {
	return r.rec
}

// Err returns the fatal error that stopped iteration, if any. Per-segment
// corruption is not fatal; it is reported through Warnings.
func (r *Replayer) Err() error {
	return r.err
}

// Warnings returns the truncation warnings accumulated so far.
func (r *Replayer) Warnings() []TruncationWarning {
	return r.warnings
}

// Close releases the open segment file, if any.
func (r *Replayer) Close() error {
	r.done = true
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}
