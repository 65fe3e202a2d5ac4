package eventlog

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DurabilityPolicy controls when appended events are flushed to stable
// storage. The acknowledgement contract of Append binds to the active policy.
type DurabilityPolicy string

const (
	// FlushPerAppend syncs the segment file before Append returns. Safe default.
	FlushPerAppend DurabilityPolicy = "flush_per_append"
	// FlushPerBatch syncs on a timer; a crash may lose the last batch window.
	FlushPerBatch DurabilityPolicy = "flush_per_batch"
	// FlushNone never syncs explicitly. Development only.
	FlushNone DurabilityPolicy = "flush_none"
)

// Options configures a Log.
type Options struct {
	Dir             string
	SegmentMaxBytes int64
	Durability      DurabilityPolicy
	FlushInterval   time.Duration // used by FlushPerBatch
	Compress        bool          // compress closed segments

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Log is the append-only event log. A single RWMutex serialises appends (the
// single-writer gate) while allowing concurrent reads.
type Log struct {
	mu sync.RWMutex

	dir      string
	opts     Options
	segments []segmentInfo
	active   *os.File
	size     int64
	lastSeq  uint64
	lastHash [32]byte
	closed   bool

	flushStop chan struct{}
	flushDone chan struct{}
}

// Open opens (or creates) the log in opts.Dir, verifies the hash chain end to
// end, and recovers from a torn tail by truncating the partial record. Any
// chain break before the tail returns ErrIntegrity.
func Open(opts Options) (*Log, error) {
	if opts.SegmentMaxBytes <= 0 {
		opts.SegmentMaxBytes = 100 << 20
	}
	if opts.Durability == "" {
		opts.Durability = FlushPerAppend
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	l := &Log{dir: opts.Dir, opts: opts}
	if err := l.scan(); err != nil {
		return nil, err
	}
	if err := l.openActive(); err != nil {
		return nil, err
	}

	if opts.Durability == FlushPerBatch {
		l.flushStop = make(chan struct{})
		l.flushDone = make(chan struct{})
		go l.flushLoop()
	}

	slog.Info("Event log opened",
		"dir", opts.Dir,
		"segments", len(l.segments),
		"last_sequence", l.lastSeq,
		"durability", string(opts.Durability))
	return l, nil
}

// scan walks every segment verifying header continuity and the record hash
// chain, populating the index and the last sequence/hash.
func (l *Log) scan() error {
	segs, err := listSegments(l.dir)
	if err != nil {
		return err
	}

	var prevHash [32]byte
	var lastSeq uint64
	for i, seg := range segs {
		if seg.startSeq != lastSeq+1 {
			return fmt.Errorf("%w: segment %s starts at %d, want %d",
				ErrIntegrity, seg.path, seg.startSeq, lastSeq+1)
		}
		sc, err := openSegmentReader(seg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIntegrity, err)
		}
		if sc.header.prevHash != prevHash {
			sc.close()
			return fmt.Errorf("%w: segment %s header hash does not chain", ErrIntegrity, seg.path)
		}

		last := i == len(segs)-1
		truncateAt, err := l.scanSegment(sc, seg, last, &prevHash, &lastSeq)
		sc.close()
		if err != nil {
			return err
		}
		if truncateAt >= 0 {
			if seg.compressed {
				return fmt.Errorf("%w: torn record in compressed segment %s", ErrIntegrity, seg.path)
			}
			slog.Warn("Truncating torn record at log tail",
				"segment", seg.path, "offset", truncateAt, "recovered_sequence", lastSeq)
			if err := os.Truncate(seg.path, truncateAt); err != nil {
				return fmt.Errorf("truncate torn tail: %w", err)
			}
		}
	}

	l.segments = segs
	l.lastSeq = lastSeq
	l.lastHash = prevHash
	return nil
}

// scanSegment verifies one segment's records. Returns an offset >= 0 when the
// tail of the last segment must be truncated, or -1 when no truncation is
// needed.
func (l *Log) scanSegment(sc *segmentScanner, seg segmentInfo, last bool, prevHash *[32]byte, lastSeq *uint64) (int64, error) {
	for {
		recStart := sc.offset
		e, err := sc.next()
		if err == io.EOF {
			return -1, nil
		}
		if err != nil {
			// Torn frame. Acceptable only at the very tail.
			if last {
				return recStart, nil
			}
			return -1, fmt.Errorf("%w: torn record in non-final segment %s", ErrIntegrity, seg.path)
		}
		if e.Sequence != *lastSeq+1 || !verifyChain(prevHash[:], e) {
			if last && !l.hasMoreRecords(sc) {
				// Final record of the final segment — a partial write that
				// happened to frame correctly. Truncate it.
				return recStart, nil
			}
			return -1, fmt.Errorf("%w: chain break at sequence %d in %s", ErrIntegrity, e.Sequence, seg.path)
		}
		*lastSeq = e.Sequence
		decoded, err := hex.DecodeString(e.ChainHash)
		if err != nil || len(decoded) != 32 {
			return -1, fmt.Errorf("%w: malformed chain hash at sequence %d", ErrIntegrity, e.Sequence)
		}
		copy(prevHash[:], decoded)
	}
}

// hasMoreRecords reports whether the scanner can produce at least one more
// fully framed record. Used to distinguish a broken final record (truncate)
// from corruption in the middle of a segment (refuse to start).
func (l *Log) hasMoreRecords(sc *segmentScanner) bool {
	_, err := sc.next()
	return err == nil
}

// openActive prepares the segment that receives new appends. A missing, or
// compressed, final segment means a fresh one is started.
func (l *Log) openActive() error {
	if len(l.segments) == 0 || l.segments[len(l.segments)-1].compressed {
		return l.startSegment()
	}
	seg := l.segments[len(l.segments)-1]
	f, err := os.OpenFile(seg.path, os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("open active segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat active segment: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("seek active segment: %w", err)
	}
	l.active = f
	l.size = info.Size()
	return nil
}

// startSegment creates a new segment beginning at lastSeq+1 and makes it the
// active one.
func (l *Log) startSegment() error {
	start := l.lastSeq + 1
	path := filepath.Join(l.dir, segmentName(start))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	hdr := encodeHeader(segmentHeader{startSeq: start, prevHash: l.lastHash})
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return fmt.Errorf("write segment header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync segment header: %w", err)
	}
	l.segments = append(l.segments, segmentInfo{path: path, startSeq: start})
	l.active = f
	l.size = headerSize
	return nil
}

// Append atomically appends a batch of records, assigning sequences and chain
// hashes under the single-writer gate. On success the returned events are
// durable per the active durability policy. On failure nothing is
// acknowledged and the file is rolled back to the pre-batch offset.
func (l *Log) Append(records ...Record) ([]Event, error) {
	if len(records) == 0 {
		return nil, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	now := l.opts.Now()
	events := make([]Event, len(records))
	var frame []byte
	seq := l.lastSeq
	hash := l.lastHash
	for i, rec := range records {
		seq++
		h := chainHash(hash[:], seq, rec.Kind, rec.Payload)
		copy(hash[:], h)
		events[i] = Event{
			Sequence:  seq,
			Timestamp: now,
			Kind:      rec.Kind,
			Aggregate: rec.Aggregate,
			Actor:     rec.Actor,
			Payload:   rec.Payload,
			ChainHash: hex.EncodeToString(h),
		}
		body, err := json.Marshal(&events[i])
		if err != nil {
			return nil, fmt.Errorf("marshal event: %w", err)
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
		frame = append(frame, lenBuf[:]...)
		frame = append(frame, body...)
	}

	preSize := l.size
	if _, err := l.active.Write(frame); err != nil {
		// Roll the file back so a caller retry does not chain onto garbage.
		_ = l.active.Truncate(preSize)
		_, _ = l.active.Seek(preSize, io.SeekStart)
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	if l.opts.Durability == FlushPerAppend {
		if err := l.active.Sync(); err != nil {
			_ = l.active.Truncate(preSize)
			_, _ = l.active.Seek(preSize, io.SeekStart)
			return nil, errors.Join(ErrStorageUnavailable, err)
		}
	}

	l.size += int64(len(frame))
	l.lastSeq = seq
	l.lastHash = hash

	if l.size >= l.opts.SegmentMaxBytes {
		if err := l.rotate(); err != nil {
			// The appended events are durable; rotation failure only delays
			// the segment split.
			slog.Error("Segment rotation failed", "error", err)
		}
	}
	return events, nil
}

// rotate closes the active segment, optionally compresses it in the
// background, and starts a fresh one. Caller holds the write lock.
func (l *Log) rotate() error {
	if err := l.active.Sync(); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	if err := l.active.Close(); err != nil {
		return err
	}
	closed := l.segments[len(l.segments)-1]
	if err := l.startSegment(); err != nil {
		return err
	}
	if l.opts.Compress {
		go l.compressClosed(closed)
	}
	return nil
}

// compressClosed compresses a closed segment and swaps the index entry.
func (l *Log) compressClosed(seg segmentInfo) {
	path, err := compressSegment(seg.path)
	if err != nil {
		slog.Warn("Segment compression failed", "segment", seg.path, "error", err)
		return
	}
	l.mu.Lock()
	for i := range l.segments {
		if l.segments[i].startSeq == seg.startSeq {
			l.segments[i] = segmentInfo{path: path, startSeq: seg.startSeq, compressed: true}
			break
		}
	}
	l.mu.Unlock()
	slog.Debug("Segment compressed", "segment", path)
}

// Read returns up to limit events starting at sequence from. A limit <= 0
// means no limit. Reading past the end returns the events that exist.
func (l *Log) Read(from uint64, limit int) ([]Event, error) {
	if from == 0 {
		from = 1
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from > l.lastSeq {
		return nil, nil
	}

	// Locate the segment containing from.
	idx := 0
	for i := range l.segments {
		if l.segments[i].startSeq <= from {
			idx = i
		} else {
			break
		}
	}

	var out []Event
	for ; idx < len(l.segments); idx++ {
		sc, err := openSegmentReader(l.segments[idx])
		if err != nil {
			return nil, fmt.Errorf("open segment for read: %w", err)
		}
		for {
			e, err := sc.next()
			if err != nil {
				break
			}
			if e.Sequence < from {
				continue
			}
			if e.Sequence > l.lastSeq {
				break
			}
			out = append(out, *e)
			if limit > 0 && len(out) >= limit {
				sc.close()
				return out, nil
			}
		}
		sc.close()
	}
	return out, nil
}

// HashAt returns the chain hash of the event at the given sequence. Used to
// validate snapshots before adoption.
func (l *Log) HashAt(seq uint64) (string, error) {
	events, err := l.Read(seq, 1)
	if err != nil {
		return "", err
	}
	if len(events) == 0 || events[0].Sequence != seq {
		return "", fmt.Errorf("no event at sequence %d", seq)
	}
	return events[0].ChainHash, nil
}

// LastSequence returns the sequence of the newest durable event.
func (l *Log) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// flushLoop syncs the active segment on a timer under FlushPerBatch.
func (l *Log) flushLoop() {
	defer close(l.flushDone)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.flushStop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.closed {
				if err := l.active.Sync(); err != nil {
					slog.Error("Batched flush failed", "error", err)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close syncs and closes the active segment. Further operations return
// ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.flushStop != nil {
		close(l.flushStop)
		<-l.flushDone
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.active.Sync(); err != nil {
		l.active.Close()
		return errors.Join(ErrStorageUnavailable, err)
	}
	return l.active.Close()
}
