package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"nox/pkg/proto"
)

func (s *Store) approvalsDir() string { return filepath.Join(s.root, "approvals") }
func (s *Store) pendingPath() string  { return filepath.Join(s.approvalsDir(), "pending.json") }
func (s *Store) historyPath() string  { return filepath.Join(s.approvalsDir(), "history.jsonl") }

func (s *Store) loadApprovals() error {
	b, err := os.ReadFile(s.pendingPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return proto.Wrap(proto.KindStorageIO, err, "reading approvals/pending.json")
	}
	var list []proto.ApprovalRecord
	if err := json.Unmarshal(b, &list); err != nil {
		return proto.Wrap(proto.KindRegistryCorrupt, err, "parsing approvals/pending.json")
	}
	for _, rec := range list {
		s.approvals[rec.ApprovalID] = rec
	}
	return nil
}

func (s *Store) persistPendingLocked() error {
	var pending []proto.ApprovalRecord
	for _, rec := range s.approvals {
		if rec.Status == proto.ApprovalPending {
			pending = append(pending, rec)
		}
	}
	b, err := json.MarshalIndent(pending, "", "  ")
	if err != nil {
		return proto.Wrap(proto.KindStorageIO, err, "marshaling approvals/pending.json")
	}
	return writeFileAtomic(s.pendingPath(), b)
}

func (s *Store) appendHistoryLocked(rec proto.ApprovalRecord) error {
	f, err := os.OpenFile(s.historyPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(b, '\n'))
	return err
}

// PutApprovalPending persists (or updates) a still-pending request.
func (s *Store) PutApprovalPending(rec proto.ApprovalRecord) error {
	entry := journalEntry{Op: "put", Entity: "approval", ID: rec.ApprovalID}
	return s.withJournal(entry, func() error {
		s.snapMu.Lock()
		defer s.snapMu.Unlock()
		s.approvals[rec.ApprovalID] = rec
		if err := s.persistPendingLocked(); err != nil {
			return proto.Wrap(proto.KindStorageIO, err, "writing approvals/pending.json")
		}
		return nil
	})
}

// PutApprovalTerminal records a terminal transition: it is removed from
// pending.json and appended, immutably, to history.jsonl.
func (s *Store) PutApprovalTerminal(rec proto.ApprovalRecord) error {
	entry := journalEntry{Op: "terminal", Entity: "approval", ID: rec.ApprovalID}
	return s.withJournal(entry, func() error {
		s.snapMu.Lock()
		defer s.snapMu.Unlock()
		s.approvals[rec.ApprovalID] = rec
		if err := s.persistPendingLocked(); err != nil {
			return proto.Wrap(proto.KindStorageIO, err, "writing approvals/pending.json")
		}
		if err := s.appendHistoryLocked(rec); err != nil {
			return proto.Wrap(proto.KindStorageIO, err, "appending approvals/history.jsonl")
		}
		return nil
	})
}

// GetApproval returns a value-copy snapshot of the approval record.
func (s *Store) GetApproval(id string) (proto.ApprovalRecord, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	rec, ok := s.approvals[id]
	return rec, ok
}

// ListPendingApprovals returns every request currently in status pending.
func (s *Store) ListPendingApprovals() []proto.ApprovalRecord {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	var out []proto.ApprovalRecord
	for _, rec := range s.approvals {
		if rec.Status == proto.ApprovalPending {
			out = append(out, rec)
		}
	}
	return out
}

// ReadApprovalHistory returns up to limit most-recent terminal records
// (0 means unlimited), oldest first as stored.
func (s *Store) ReadApprovalHistory(limit int) ([]proto.ApprovalRecord, error) {
	f, err := os.Open(s.historyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, proto.Wrap(proto.KindStorageIO, err, "reading approvals/history.jsonl")
	}
	defer f.Close()

	var all []proto.ApprovalRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec proto.ApprovalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		all = append(all, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
