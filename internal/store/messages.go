package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"nox/pkg/proto"
)

// messageWriter is a daily-rotated append-only JSONL writer: one record
// per line, synced after every write, a fresh segment file per UTC day. It
// lives inside the Registry Store's single-writer discipline rather than
// being invoked by arbitrary callers.
type messageWriter struct {
	mu   sync.Mutex
	dir  string
	day  string
	file *os.File
}

func newMessageWriter(dir string) *messageWriter {
	return &messageWriter{dir: dir}
}

func (w *messageWriter) rotateIfNeeded() error {
	today := time.Now().UTC().Format("2006-01-02")
	if w.file != nil && w.day == today {
		return nil
	}
	if w.file != nil {
		w.file.Close()
	}
	path := filepath.Join(w.dir, today+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.day = today
	return nil
}

func (w *messageWriter) Write(entry proto.HistoryEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(); err != nil {
		return err
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := w.file.Write(b); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *messageWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (s *Store) messagesDir() string { return filepath.Join(s.root, "messages") }

// writer lazily constructs the daily writer on first use so Open
// doesn't need to know about it up front.
func (s *Store) writer() *messageWriter {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.msgWriter == nil {
		s.msgWriter = newMessageWriter(s.messagesDir())
	}
	return s.msgWriter
}

// AppendMessageHistory durably records one delivery outcome. It does not go
// through the journal/git-commit path used by agents/tasks/approvals: the
// daily segment files are themselves append-only and self-describing, so
// there is nothing for a WAL replay to reconstruct beyond "the file has
// fewer lines than expected," which downstream readers already tolerate.
func (s *Store) AppendMessageHistory(entry proto.HistoryEntry) error {
	if err := s.writer().Write(entry); err != nil {
		return proto.Wrap(proto.KindStorageIO, err, "appending message history")
	}
	return nil
}

// ReadMessageHistoryDay returns every history entry recorded on the given
// YYYY-MM-DD day, in file order (oldest first).
func (s *Store) ReadMessageHistoryDay(day string) ([]proto.HistoryEntry, error) {
	path := filepath.Join(s.messagesDir(), day+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, proto.Wrap(proto.KindStorageIO, err, "opening message segment")
	}
	defer f.Close()

	var out []proto.HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry proto.HistoryEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // tolerate a partially-written trailing line from a crash
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}
