// Package journal is the on-disk export boundary of the event log: a
// length-prefixed record file that external audit tools can read back.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"optical_bench/internal/models"
)

const (
	recordHeaderLen = 12
	journalFile     = "events.journal"
	metaFile        = "events.meta"
)

// Stats describes the journal on disk.
type Stats struct {
	LastRecord uint64 `json:"last_record"`
	Committed  uint64 `json:"committed"`
	SizeBytes  int64  `json:"size_bytes"`
}

// FileJournal appends log entries as [8 bytes record id][4 bytes len][json].
// Record ids keep increasing across process restarts; entry Seq values restart
// with every session.
type FileJournal struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	lastID    uint64
	committed uint64
	sizeBytes int64
}

// Open creates dir if needed and opens (or recovers) the journal in it. A
// torn record at the end of the file is truncated away.
func Open(dir string) (*FileJournal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, journalFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	j := &FileJournal{
		path:     path,
		metaPath: filepath.Join(dir, metaFile),
		file:     f,
		writer:   bufio.NewWriterSize(f, 64<<10),
	}
	if err := j.bootstrap(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return j, nil
}

func (j *FileJournal) bootstrap() error {
	if err := j.scanExisting(); err != nil {
		return err
	}
	if err := j.loadCommitted(); err != nil {
		return err
	}
	_, err := j.file.Seek(0, io.SeekEnd)
	return err
}

func (j *FileJournal) scanExisting() error {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(j.file)
	var offset int64

	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("journal scan header: %w", err)
		}
		id := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		if _, err := io.CopyN(io.Discard, reader, int64(length)); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return fmt.Errorf("journal scan body: %w", err)
		}
		offset += recordHeaderLen + int64(length)
		j.lastID = id
	}

	if err := j.file.Truncate(offset); err != nil {
		return err
	}
	j.sizeBytes = offset
	return nil
}

func (j *FileJournal) loadCommitted() error {
	data, err := os.ReadFile(j.metaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("journal meta parse: %w", err)
	}
	j.committed = u
	return nil
}

// Flush writes entries, fsyncs, and records the commit marker. On any failure,
// including the marker write, the file is rolled back to its size before the
// call so a retry of the same batch does not duplicate records.
func (j *FileJournal) Flush(ctx context.Context, entries []models.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return os.ErrClosed
	}

	startSize, startID := j.sizeBytes, j.lastID
	if err := j.writeBatchLocked(entries); err != nil {
		j.rollbackLocked(startSize, startID)
		return err
	}
	prevCommitted := j.committed
	j.committed = j.lastID
	if err := j.persistMetaLocked(); err != nil {
		j.rollbackLocked(startSize, startID)
		j.committed = prevCommitted
		return fmt.Errorf("journal commit: %w", err)
	}
	return nil
}

func (j *FileJournal) writeBatchLocked(entries []models.LogEntry) error {
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("journal encode seq %d: %w", e.Seq, err)
		}
		id := j.lastID + 1

		var hdr [recordHeaderLen]byte
		binary.BigEndian.PutUint64(hdr[0:8], id)
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(b)))

		if _, err := j.writer.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := j.writer.Write(b); err != nil {
			return err
		}
		j.lastID = id
		j.sizeBytes += int64(len(b) + recordHeaderLen)
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Sync()
}

func (j *FileJournal) rollbackLocked(size int64, id uint64) {
	j.writer.Reset(j.file)
	_ = j.file.Truncate(size)
	_ = j.file.Sync()
	_, _ = j.file.Seek(size, io.SeekStart)
	j.sizeBytes = size
	j.lastID = id
}

func (j *FileJournal) persistMetaLocked() error {
	data := []byte(fmt.Sprintf("%d\n", j.committed))
	return os.WriteFile(j.metaPath, data, 0o644)
}

// Stats returns a snapshot of the journal counters.
func (j *FileJournal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Stats{LastRecord: j.lastID, Committed: j.committed, SizeBytes: j.sizeBytes}
}

// Close flushes buffered bytes and closes the file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	ferr := j.writer.Flush()
	cerr := j.file.Close()
	j.file = nil
	return errors.Join(ferr, cerr)
}

// Iterate reads the journal in dir from the start and calls fn for every
// record with id > from. It opens its own handle and is safe to use while a
// FileJournal is writing.
func Iterate(dir string, from uint64, fn func(id uint64, e models.LogEntry) error) error {
	f, err := os.Open(filepath.Join(dir, journalFile))
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("journal iterate truncated header: %w", err)
		}
		id := binary.BigEndian.Uint64(hdr[0:8])
		l := binary.BigEndian.Uint32(hdr[8:12])

		b := make([]byte, l)
		if _, err := io.ReadFull(r, b); err != nil {
			return fmt.Errorf("corrupt journal: %w", err)
		}
		if id <= from {
			continue
		}

		var e models.LogEntry
		if err := json.Unmarshal(b, &e); err != nil {
			return fmt.Errorf("corrupt journal record %d: %w", id, err)
		}
		if err := fn(id, e); err != nil {
			return err
		}
	}
}
