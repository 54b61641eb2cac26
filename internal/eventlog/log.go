// Package eventlog implements the append-only coordination event
// stream. Every line is a self-checksummed JSON event carrying a
// strictly monotonic sequence number; the full coordination state is
// derivable by folding the stream through the dispatch handlers.
package eventlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"hivemind/internal/hiveerr"
	"hivemind/internal/lockfile"
	"hivemind/internal/logging"
	"hivemind/internal/types"
)

const (
	// MaxLogSize is the hard append cap. Beyond it the log must be
	// rotated by the operator.
	MaxLogSize = 50 * 1024 * 1024

	seqLockTimeout    = 5 * time.Second
	writerLockTimeout = 30 * time.Second
)

// Log is the event stream rooted at a coordination directory.
type Log struct {
	dir      string
	logPath  string
	seqPath  string
	lockPath string

	mu        sync.Mutex
	cache     *types.Snapshot
	cacheSeq  int64
	skipCount int
}

// New returns a Log over <coordinationDir>/events.jsonl, creating the
// directory if needed.
func New(coordinationDir string) (*Log, error) {
	if err := os.MkdirAll(coordinationDir, 0o755); err != nil {
		return nil, hiveerr.Configf("cannot create coordination dir %s: %v", coordinationDir, err)
	}
	return &Log{
		dir:      coordinationDir,
		logPath:  filepath.Join(coordinationDir, "events.jsonl"),
		seqPath:  filepath.Join(coordinationDir, ".events.seq"),
		lockPath: filepath.Join(coordinationDir, ".events.lock"),
	}, nil
}

// Path returns the on-disk location of the stream.
func (l *Log) Path() string { return l.logPath }

// Append assigns the next sequence number and writes one complete
// checksummed line in append mode with fsync. The write is rejected
// when the log has reached MaxLogSize.
func (l *Log) Append(eventType string, data map[string]interface{}) (int64, error) {
	if eventType == "" {
		return 0, hiveerr.Validationf("event type cannot be empty")
	}
	if fi, err := os.Stat(l.logPath); err == nil && fi.Size() >= MaxLogSize {
		return 0, hiveerr.Databasef(
			"event log %s exceeds %d bytes; rotate it (move aside and reset .events.seq) before appending",
			l.logPath, MaxLogSize)
	}

	seq, err := l.nextSeq()
	if err != nil {
		return 0, err
	}

	ev := Event{
		Seq:  seq,
		Type: eventType,
		Ts:   time.Now().UTC().Format(time.RFC3339Nano),
		Data: data,
	}
	line, err := encodeLine(ev)
	if err != nil {
		return 0, hiveerr.Database("encode event", err)
	}

	// Lock-free append: O_APPEND plus a single write of the whole line
	// keeps the newline as the atomicity boundary.
	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, hiveerr.Database("open event log", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return 0, hiveerr.Database("append event", err)
	}
	if err := f.Sync(); err != nil {
		return 0, hiveerr.Database("fsync event log", err)
	}

	l.mu.Lock()
	l.cache = nil
	l.cacheSeq = 0
	l.mu.Unlock()

	logging.Get(logging.CategoryEventLog).Debug("appended %s seq=%d", eventType, seq)
	return seq, nil
}

// nextSeq does the only locked read-modify-write: the counter file
// guarded by an exclusive advisory lock.
func (l *Log) nextSeq() (int64, error) {
	fl, err := lockfile.Acquire(l.lockPath, seqLockTimeout, 10*time.Millisecond, 50*time.Millisecond)
	if err != nil {
		return 0, err
	}
	defer lockfile.Release(fl)

	var current int64
	if data, err := os.ReadFile(l.seqPath); err == nil {
		if n, perr := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); perr == nil {
			current = n
		}
	}
	next := current + 1
	if err := os.WriteFile(l.seqPath, []byte(strconv.FormatInt(next, 10)), 0o644); err != nil {
		return 0, hiveerr.Database("write sequence counter", err)
	}
	return next, nil
}

// Read returns all events with seq > sinceSeq in log order. Corrupt
// lines are skipped with a stderr warning and counted.
func (l *Log) Read(sinceSeq int64) ([]Event, error) {
	f, err := os.Open(l.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, hiveerr.Database("open event log", err)
	}
	defer f.Close()

	var events []Event
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		ev, err := decodeLine(append([]byte(nil), raw...))
		if err != nil {
			skipped++
			fmt.Fprintf(os.Stderr, "eventlog: skipping corrupt line %d: %v\n", lineNo, err)
			continue
		}
		if ev.Seq > sinceSeq {
			events = append(events, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, hiveerr.Database("scan event log", err)
	}

	l.mu.Lock()
	l.skipCount = skipped
	l.mu.Unlock()
	return events, nil
}

// SkippedLines reports how many corrupt lines the last Read dropped.
func (l *Log) SkippedLines() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipCount
}
