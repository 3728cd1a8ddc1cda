package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"nox/pkg/proto"
)

func (s *Store) tasksDir() string { return filepath.Join(s.root, "tasks") }

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.tasksDir(), id+".json")
}

func (s *Store) loadTasks() error {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return proto.Wrap(proto.KindStorageIO, err, "listing tasks directory")
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.tasksDir(), e.Name()))
		if err != nil {
			return proto.Wrap(proto.KindStorageIO, err, "reading task file "+e.Name())
		}
		var task proto.Task
		if err := json.Unmarshal(b, &task); err != nil {
			return proto.Wrap(proto.KindRegistryCorrupt, err, "parsing task file "+e.Name())
		}
		s.tasks[task.TaskID] = task
	}
	return nil
}

// PutTask creates or replaces the persisted record for task, one file per
// task so individual writes stay O(1) regardless of total task count.
func (s *Store) PutTask(task proto.Task) error {
	entry := journalEntry{Op: "put", Entity: "task", ID: task.TaskID}
	return s.withJournal(entry, func() error {
		b, err := json.MarshalIndent(task, "", "  ")
		if err != nil {
			return proto.Wrap(proto.KindStorageIO, err, "marshaling task")
		}
		if err := writeFileAtomic(s.taskPath(task.TaskID), b); err != nil {
			return proto.Wrap(proto.KindStorageIO, err, "writing task file")
		}
		s.snapMu.Lock()
		s.tasks[task.TaskID] = task
		s.snapMu.Unlock()
		return nil
	})
}

// DeleteTask removes the persisted record for id.
func (s *Store) DeleteTask(id string) error {
	entry := journalEntry{Op: "delete", Entity: "task", ID: id}
	return s.withJournal(entry, func() error {
		if err := os.Remove(s.taskPath(id)); err != nil && !os.IsNotExist(err) {
			return proto.Wrap(proto.KindStorageIO, err, "removing task file")
		}
		s.snapMu.Lock()
		delete(s.tasks, id)
		s.snapMu.Unlock()
		return nil
	})
}

// GetTask returns a value-copy snapshot of the task, or false if absent.
func (s *Store) GetTask(id string) (proto.Task, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// ListTasks returns a snapshot of every persisted task.
func (s *Store) ListTasks() []proto.Task {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	list := make([]proto.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	return list
}
