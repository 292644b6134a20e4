// Package audit provides the file-backed invocation receipt journal: JSON
// Lines, append-only, hash-chained, verified on open.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/RhysSullivan/codegate/internal/domain/audit"
)

// Journal appends receipt records to a JSONL file. Each record carries the
// hash of its predecessor; Open verifies the existing chain and refuses a
// journal whose tail has been altered.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	lastHash string
	count    int
	logger   *slog.Logger
}

// Open opens (or creates) the journal at path, verifying the hash chain of
// any existing records.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	lastHash, count, err := verifyChain(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	logger.Info("receipt journal opened", "path", path, "records", count)
	return &Journal{file: f, lastHash: lastHash, count: count, logger: logger}, nil
}

// verifyChain walks an existing journal and returns the tail hash and
// record count. A missing file is an empty, valid chain.
func verifyChain(path string) (string, int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("open journal for verification: %w", err)
	}
	defer func() { _ = f.Close() }()

	var prev string
	count := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec audit.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return "", 0, fmt.Errorf("journal record %d: %w", count+1, err)
		}
		if !rec.Verify(prev) {
			return "", 0, fmt.Errorf("journal record %d: hash chain broken", count+1)
		}
		prev = rec.Hash
		count++
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("read journal: %w", err)
	}
	return prev, count, nil
}

// Append seals the record against the current tail and writes it. The
// journal lock serializes writers, so the chain never forks.
func (j *Journal) Append(rec audit.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Seal(j.lastHash)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	j.lastHash = rec.Hash
	j.count++
	return nil
}

// Count returns the number of records, including those present at open.
func (j *Journal) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// StreamJournal writes sealed receipt records to a writer, one JSON line
// per record. Used for the stdout audit output; the hash chain starts
// fresh each process since a stream has no readable history.
type StreamJournal struct {
	mu       sync.Mutex
	w        io.Writer
	lastHash string
}

// NewStreamJournal creates a journal over w.
func NewStreamJournal(w io.Writer) *StreamJournal {
	return &StreamJournal{w: w}
}

// Append seals the record against the in-memory tail and writes it.
func (j *StreamJournal) Append(rec audit.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Seal(j.lastHash)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode journal record: %w", err)
	}
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write journal record: %w", err)
	}
	j.lastHash = rec.Hash
	return nil
}

// Close syncs and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}
