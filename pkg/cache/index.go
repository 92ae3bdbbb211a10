package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/outrun-sh/outrun/internal/logger"
	"github.com/outrun-sh/outrun/pkg/proto/wire"
)

// The metadata index persists as an append-only log (meta.idx) compacted
// periodically into a snapshot (meta.snap). Startup loads the snapshot and
// replays the log over it; a record whose checksum fails on replay ends the
// replay, rolling the index back to the last consistent state. Both files
// together are the source of truth for everything except blob payloads.

const (
	idxFileName  = "meta.idx"
	snapFileName = "meta.snap"
	lockFileName = "LOCK"

	// compactThreshold is how many log records accumulate before the log
	// folds into the snapshot.
	compactThreshold = 4096

	// maxRecordSize bounds one log record; larger is corruption.
	maxRecordSize = 16 * 1024 * 1024
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// recordOp discriminates log records.
type recordOp uint8

const (
	recordPut recordOp = iota + 1
	recordDelete
)

// idxRecord is one log entry.
type idxRecord struct {
	Op    recordOp `cbor:"op"`
	Entry Entry    `cbor:"entry"`
}

// snapshot is the compacted on-disk index state.
type snapshot struct {
	NextUse uint64  `cbor:"next_use"`
	Entries []Entry `cbor:"entries"`
}

// index owns the two files plus the lock. All methods run under the cache's
// writer discipline; the index itself performs no locking.
type index struct {
	dir      string
	idxFile  *os.File
	lockFile *os.File
	records  int
}

// openIndex acquires the exclusive cache lock and opens the log for
// appending. A held lock means another session owns this cache root.
func openIndex(dir string) (*index, error) {
	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open cache lock: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		return nil, fmt.Errorf("cache root %s is locked by another session: %w", dir, err)
	}

	idxFile, err := os.OpenFile(filepath.Join(dir, idxFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		lock.Close()
		return nil, fmt.Errorf("open cache index: %w", err)
	}

	return &index{dir: dir, idxFile: idxFile, lockFile: lock}, nil
}

// Load reads the snapshot and replays the log, returning the reconstructed
// entries and recency counter.
func (ix *index) Load() (map[Key]*Entry, uint64, error) {
	entries := make(map[Key]*Entry)
	var nextUse uint64

	// Snapshot first.
	snapPath := filepath.Join(ix.dir, snapFileName)
	if data, err := os.ReadFile(snapPath); err == nil {
		var snap snapshot
		if err := wire.Unmarshal(data, &snap); err != nil {
			// A corrupt snapshot loses history but not correctness:
			// everything in it is revalidatable cache state.
			logger.Warn("discarding corrupt cache snapshot", "error", err)
		} else {
			nextUse = snap.NextUse
			for i := range snap.Entries {
				e := snap.Entries[i]
				entries[e.Key] = &e
			}
		}
	}

	// Replay the log over it.
	replayed, err := ix.replay(func(rec idxRecord) {
		switch rec.Op {
		case recordPut:
			e := rec.Entry
			entries[e.Key] = &e
			if e.LastUse >= nextUse {
				nextUse = e.LastUse + 1
			}
		case recordDelete:
			delete(entries, rec.Entry.Key)
		}
	})
	if err != nil {
		return nil, 0, err
	}
	ix.records = replayed

	return entries, nextUse, nil
}

// replay scans the log from the start, stopping cleanly at the first
// truncated or checksum-failing record and truncating the file there so the
// tail never resurfaces.
func (ix *index) replay(apply func(idxRecord)) (int, error) {
	if _, err := ix.idxFile.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek cache index: %w", err)
	}

	var (
		offset int64
		count  int
		header [8]byte
	)

	for {
		if _, err := io.ReadFull(ix.idxFile, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Partial header: crash mid-append.
			ix.truncateAt(offset)
			break
		}

		length := binary.BigEndian.Uint32(header[0:4])
		sum := binary.BigEndian.Uint32(header[4:8])
		if length == 0 || length > maxRecordSize {
			ix.truncateAt(offset)
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(ix.idxFile, payload); err != nil {
			ix.truncateAt(offset)
			break
		}
		if crc32.Checksum(payload, crcTable) != sum {
			logger.Warn("cache index checksum mismatch, rolling back", "offset", offset)
			ix.truncateAt(offset)
			break
		}

		var rec idxRecord
		if err := wire.Unmarshal(payload, &rec); err != nil {
			ix.truncateAt(offset)
			break
		}

		apply(rec)
		offset += int64(8 + length)
		count++
	}

	// Leave the write position at the consistent end.
	if _, err := ix.idxFile.Seek(0, io.SeekEnd); err != nil {
		return count, fmt.Errorf("seek cache index end: %w", err)
	}
	return count, nil
}

func (ix *index) truncateAt(offset int64) {
	if err := ix.idxFile.Truncate(offset); err != nil {
		logger.Warn("truncate cache index failed", "error", err)
	}
}

// Append writes one record. The file is opened O_APPEND so the write is a
// single atomic-enough appendix; the checksum catches torn writes on
// replay.
func (ix *index) Append(rec idxRecord) error {
	payload, err := wire.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode index record: %w", err)
	}

	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crcTable))
	copy(buf[8:], payload)

	if _, err := ix.idxFile.Write(buf); err != nil {
		return fmt.Errorf("append index record: %w", err)
	}
	ix.records++
	return nil
}

// NeedsCompaction reports whether the log has grown past the threshold.
func (ix *index) NeedsCompaction() bool {
	return ix.records >= compactThreshold
}

// Compact folds the current in-memory state into a fresh snapshot and
// truncates the log. The snapshot writes temp-then-rename so a crash leaves
// either the old or the new snapshot, never a torn one.
func (ix *index) Compact(entries map[Key]*Entry, nextUse uint64) error {
	snap := snapshot{NextUse: nextUse, Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		snap.Entries = append(snap.Entries, *e)
	}

	data, err := wire.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	snapPath := filepath.Join(ix.dir, snapFileName)
	tmp, err := os.CreateTemp(ix.dir, snapFileName+".*"+tmpSuffix)
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close snapshot temp: %w", err)
	}
	if err := os.Rename(tmpName, snapPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish snapshot: %w", err)
	}

	// The log's records are now folded in; start it over.
	if err := ix.idxFile.Truncate(0); err != nil {
		return fmt.Errorf("truncate log after compaction: %w", err)
	}
	if _, err := ix.idxFile.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek log after compaction: %w", err)
	}
	ix.records = 0
	return nil
}

// CleanTemp removes abandoned snapshot temp files.
func (ix *index) CleanTemp() {
	matches, _ := filepath.Glob(filepath.Join(ix.dir, snapFileName+".*"+tmpSuffix))
	for _, m := range matches {
		os.Remove(m)
	}
}

// Close flushes and releases the log and the lock.
func (ix *index) Close() error {
	var firstErr error
	if err := ix.idxFile.Sync(); err != nil {
		firstErr = err
	}
	if err := ix.idxFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	// Releasing the flock happens implicitly on close.
	if err := ix.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
