// Package audit keeps a tamper-evident trail of operator actions: slash
// command invocations, watcher start/stop and config reloads.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanternops/placewatch/internal/logging"
)

var log = logging.L("audit")

// Event types.
const (
	EventCommand        = "command"
	EventWatcherStarted = "watcher_started"
	EventWatcherStopped = "watcher_stopped"
	EventConfigReloaded = "config_reloaded"
	EventServiceStart   = "service_start"
	EventServiceStop    = "service_stop"
	EventLogRotated     = "log_rotated"
)

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventWatcherStarted: true,
	EventWatcherStopped: true,
	EventConfigReloaded: true,
	EventServiceStart:   true,
	EventServiceStop:    true,
}

const genesis = "genesis"

// Entry is a single audit record. Actor is the Discord user id for command
// entries and empty for entries the service writes on its own.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes JSONL entries linked by a SHA-256 hash chain. After a
// rotation the first record of the new file is an EventLogRotated sentinel
// whose prevHash is the last hash of the old file.
//
// All methods are safe on a nil receiver, which is how a disabled trail is
// represented.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
	now        func() time.Time
}

// NewLogger opens (or appends to) the trail at path. maxSizeMB and
// maxBackups fall back to 10 and 3.
func NewLogger(path string, maxSizeMB, maxBackups int) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	l := &Logger{
		filePath:   path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   genesis,
		now:        time.Now,
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}
	if last, err := lastHash(path); err != nil {
		log.Warn("audit trail tail unreadable, starting a new chain", "path", path, logging.KeyError, err)
	} else if last != "" {
		l.prevHash = last
	}

	log.Info("audit trail open", "path", path)
	return l, nil
}

// Log appends one entry. The chain only advances after a successful write,
// so a failed write leaves no gap.
func (l *Logger) Log(eventType, actor string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.dropped.Add(1)
		return
	}

	// An empty map is omitted on disk, so it must hash like nil.
	if len(details) == 0 {
		details = nil
	}
	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Actor:     actor,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	data, err := seal(&entry)
	if err != nil {
		log.Error("failed to encode audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			log.Error("audit rotation failed", logging.KeyError, err)
			l.dropped.Add(1)
			return
		}
		// The sentinel moved the chain; relink this entry to it.
		entry.PrevHash = l.prevHash
		if data, err = seal(&entry); err != nil {
			l.dropped.Add(1)
			return
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		log.Error("failed to write audit entry", logging.KeyError, err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync audit entry", logging.KeyError, err, "eventType", eventType)
		}
	}
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil (disabled) logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// seal computes the entry hash and returns the encoded line.
func seal(entry *Entry) ([]byte, error) {
	h, err := computeHash(*entry)
	if err != nil {
		return nil, err
	}
	entry.EntryHash = h
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	return append(data, '\n'), nil
}

// computeHash length-prefixes each field so no two field combinations
// produce the same input.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Actor, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify reads the trail at path and checks every hash and link. It returns
// the number of entries checked.
func Verify(path string) (int, error) {
	entries, err := ReadEntries(path)
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		want, err := computeHash(Entry{
			Timestamp: e.Timestamp,
			EventType: e.EventType,
			Actor:     e.Actor,
			Details:   e.Details,
			PrevHash:  e.PrevHash,
		})
		if err != nil {
			return i, err
		}
		if want != e.EntryHash {
			return i, fmt.Errorf("entry %d: hash mismatch", i)
		}
		if i > 0 && e.PrevHash != entries[i-1].EntryHash {
			return i, fmt.Errorf("entry %d: broken link", i)
		}
	}
	return len(entries), nil
}

// ReadEntries decodes every line of the trail at path.
func ReadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit trail: %w", err)
	}
	var out []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return out, fmt.Errorf("decode entry %d: %w", len(out), err)
		}
		out = append(out, e)
	}
	return out, nil
}

func lastHash(path string) (string, error) {
	entries, err := ReadEntries(path)
	if err != nil || len(entries) == 0 {
		return "", err
	}
	return entries[len(entries)-1].EntryHash, nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit trail: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prev := l.prevHash

	if l.file != nil {
		l.file.Close()
	}

	// .N-1 -> .N, oldest dropped
	for i := l.maxBackups; i >= 2; i-- {
		src := l.backupName(i - 1)
		dst := l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: failed to remove oldest backup", "path", dst, logging.KeyError, err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: failed to rename backup", "src", src, "dst", dst, logging.KeyError, err)
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to rename current trail", logging.KeyError, err)
	}

	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prev,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	data, err := seal(&sentinel)
	if err == nil {
		var n int
		n, err = l.file.Write(data)
		l.written += int64(n)
	}
	if err != nil {
		log.Error("rotation sentinel failed, hash chain broken", logging.KeyError, err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
		return nil
	}
	l.prevHash = sentinel.EntryHash
	return nil
}

func (l *Logger) backupName(index int) string {
	if index == 0 {
		return l.filePath
	}
	return fmt.Sprintf("%s.%d", l.filePath, index)
}
