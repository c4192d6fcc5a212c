// Package wal implements the write-ahead log and snapshot engine.
//
// Every mutation is appended here, fsynced, and only then applied to
// the in-memory indexes. On restart the engine loads the last snapshot
// and replays the tail of the log — entries newer than the snapshot
// watermark — to rebuild exactly the pre-crash state.
//
// The log is a plain UTF-8 text file, one record per line:
//
//	log_id|version|op|payload_json\n
//
// log_id is strictly monotonic. Records are never rewritten in place.
// The payload is a single json.Marshal line, so it cannot contain a
// raw newline; '|' inside the payload is harmless because the reader
// splits each line on at most the first three separators.
package wal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"vectordb/internal/index"
)

// WatermarkKey is the raw scalar-store key holding the snapshot
// high-water mark, an ASCII decimal log id.
const WatermarkKey = "snapshots_max_log_id"

// ErrCorrupt marks a WAL line that cannot be parsed, or whose version
// tag does not match the engine's. Replay stops on it: serving from a
// log we cannot fully read would silently drop acknowledged writes.
var ErrCorrupt = errors.New("wal: corrupt log")

// Log is the append handle plus the two engine-lifetime counters:
// nextID (the log-id allocator) and lastSnapshotID (the watermark).
//
// One mutex covers appends, replay, and snapshotting. Appends are a
// single write + fsync, so the hold time is one disk flush;
// snapshot holds the mutex for its whole save so no append can land
// with a log id at or below the frozen watermark.
type Log struct {
	mu             sync.Mutex
	file           *os.File
	path           string
	version        string
	nextID         uint64
	lastSnapshotID uint64
	log            *zap.Logger
}

// Open creates or opens the log at path for appending. The replay
// cursor always starts at the beginning of the file; the snapshot
// watermark is loaded from the scalar store's raw namespace (absent
// means 0, a never-snapshotted engine).
func Open(path, version string, store index.RawStore, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	l := &Log{file: file, path: path, version: version, log: logger}

	raw, err := store.GetRaw(WatermarkKey)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("load snapshot watermark: %w", err)
	}
	if raw != "" {
		id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: bad snapshot watermark %q", ErrCorrupt, raw)
		}
		l.lastSnapshotID = id
		l.nextID = id
	}
	return l, nil
}

// Append durably records one mutation and returns its log id. The
// caller may treat the mutation as acknowledged once Append returns:
// the bytes have been written and fsynced.
//
// payload must be a single line of JSON (json.Marshal output is).
func (l *Log) Append(op string, payload []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	logID := l.nextID

	line := fmt.Sprintf("%d|%s|%s|%s\n", logID, l.version, op, payload)
	if _, err := l.file.WriteString(line); err != nil {
		return 0, fmt.Errorf("wal append: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return 0, fmt.Errorf("wal fsync: %w", err)
	}

	l.log.Debug("wal append",
		zap.Uint64("log_id", logID),
		zap.String("op", op))
	return logID, nil
}

// Replay scans the whole log from the top and hands every entry with
// log_id > lastSnapshotID to apply, in order. Entries at or below the
// watermark are skipped — their effects are already in the snapshot —
// but still advance nextID, so freshly allocated ids stay above
// everything on disk.
//
// A line that fails to parse, or whose version tag differs from the
// engine's, aborts replay with ErrCorrupt.
func (l *Log) Replay(apply func(op string, payload []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, 0); err != nil {
		return fmt.Errorf("wal seek: %w", err)
	}

	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}

		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			return fmt.Errorf("%w: line %d has %d fields", ErrCorrupt, lineNo, len(parts))
		}
		logID, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: line %d has bad log id %q", ErrCorrupt, lineNo, parts[0])
		}
		if parts[1] != l.version {
			return fmt.Errorf("%w: line %d version %q, engine expects %q",
				ErrCorrupt, lineNo, parts[1], l.version)
		}

		if logID > l.nextID {
			l.nextID = logID
		}
		if logID <= l.lastSnapshotID {
			l.log.Debug("wal replay skip (under watermark)", zap.Uint64("log_id", logID))
			continue
		}

		if err := apply(parts[2], []byte(parts[3])); err != nil {
			return fmt.Errorf("wal replay log_id=%d: %w", logID, err)
		}
	}
	return scanner.Err()
}

// Snapshot freezes the watermark at the current nextID, saves every
// index through the registry, and persists the watermark. Appends are
// excluded for the duration, so every entry with log_id <= watermark
// is fully contained in the snapshot and every later entry is not.
//
// The WAL itself is not truncated; the watermark alone decides what
// replays.
func (l *Log) Snapshot(reg *index.Registry, store index.RawStore, folder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	watermark := l.nextID
	if err := reg.SaveAll(folder, store); err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	if err := store.PutRaw(WatermarkKey, strconv.FormatUint(watermark, 10)); err != nil {
		return fmt.Errorf("snapshot watermark: %w", err)
	}
	l.lastSnapshotID = watermark

	l.log.Info("snapshot taken", zap.Uint64("watermark", watermark))
	return nil
}

// NextID returns the last allocated log id.
func (l *Log) NextID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextID
}

// LastSnapshotID returns the current snapshot watermark.
func (l *Log) LastSnapshotID() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSnapshotID
}

// Close closes the log file. Appends after Close fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
