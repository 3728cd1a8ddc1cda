package store

import (
	"encoding/json"
	"os"

	"nox/pkg/proto"
)

func (s *Store) agentsPath() string        { return s.root + "/agents.json" }
func (s *Store) relationshipsPath() string { return s.root + "/agent-relationships.json" }

func (s *Store) loadAgents() error {
	b, err := os.ReadFile(s.agentsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return proto.Wrap(proto.KindStorageIO, err, "reading agents.json")
	}
	var list []proto.Agent
	if err := json.Unmarshal(b, &list); err != nil {
		return proto.Wrap(proto.KindRegistryCorrupt, err, "parsing agents.json")
	}
	for _, a := range list {
		s.agents[a.AgentID] = a
	}
	return nil
}

// relationshipsDoc is the on-disk shape of agent-relationships.json:
// broker subscriptions plus any standing collaboration topology. It is
// intentionally flat JSON (not a free-form map) per the typed-boundary
// design note.
type relationshipsDoc struct {
	Subscriptions []subscriptionRecord `json:"subscriptions"`
}

type subscriptionRecord struct {
	AgentID       string            `json:"agentId"`
	TypeFilter    proto.MsgType     `json:"typeFilter,omitempty"`
	MetaPredicate map[string]string `json:"metaPredicate,omitempty"`
}

func (s *Store) loadRelationships() error {
	b, err := os.ReadFile(s.relationshipsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return proto.Wrap(proto.KindStorageIO, err, "reading agent-relationships.json")
	}
	var doc relationshipsDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return proto.Wrap(proto.KindRegistryCorrupt, err, "parsing agent-relationships.json")
	}
	for _, r := range doc.Subscriptions {
		s.subs = append(s.subs, proto.Subscription{
			AgentID:       r.AgentID,
			TypeFilter:    r.TypeFilter,
			MetaPredicate: r.MetaPredicate,
		})
	}
	return nil
}

func (s *Store) snapshotAgentsLocked() []proto.Agent {
	list := make([]proto.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		list = append(list, a)
	}
	return list
}

func (s *Store) persistAgentsLocked() error {
	b, err := json.MarshalIndent(s.snapshotAgentsLocked(), "", "  ")
	if err != nil {
		return proto.Wrap(proto.KindStorageIO, err, "marshaling agents.json")
	}
	if err := writeFileAtomic(s.agentsPath(), b); err != nil {
		return proto.Wrap(proto.KindStorageIO, err, "writing agents.json")
	}
	return nil
}

func (s *Store) persistRelationshipsLocked() error {
	doc := relationshipsDoc{}
	for _, sub := range s.subs {
		doc.Subscriptions = append(doc.Subscriptions, subscriptionRecord{
			AgentID:       sub.AgentID,
			TypeFilter:    sub.TypeFilter,
			MetaPredicate: sub.MetaPredicate,
		})
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return proto.Wrap(proto.KindStorageIO, err, "marshaling agent-relationships.json")
	}
	if err := writeFileAtomic(s.relationshipsPath(), b); err != nil {
		return proto.Wrap(proto.KindStorageIO, err, "writing agent-relationships.json")
	}
	return nil
}

// PutAgent creates or replaces the persisted record for agent, journaled
// and committed before returning.
func (s *Store) PutAgent(agent proto.Agent) error {
	entry := journalEntry{Op: "put", Entity: "agent", ID: agent.AgentID}
	return s.withJournal(entry, func() error {
		s.snapMu.Lock()
		s.agents[agent.AgentID] = agent
		err := s.persistAgentsLocked()
		s.snapMu.Unlock()
		return err
	})
}

// DeleteAgent removes the persisted record for id. Deleting a record that
// does not exist is a no-op success, matching idempotent registry-store
// semantics; callers enforce the NotFound contract at the business-logic
// layer.
func (s *Store) DeleteAgent(id string) error {
	entry := journalEntry{Op: "delete", Entity: "agent", ID: id}
	return s.withJournal(entry, func() error {
		s.snapMu.Lock()
		delete(s.agents, id)
		err := s.persistAgentsLocked()
		s.snapMu.Unlock()
		return err
	})
}

// GetAgent returns a value-copy snapshot of the agent, or false if absent.
func (s *Store) GetAgent(id string) (proto.Agent, bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	a, ok := s.agents[id]
	return a, ok
}

// ListAgents returns a snapshot of every persisted agent. The slice is a
// fresh copy; mutating it never affects the Store.
func (s *Store) ListAgents() []proto.Agent {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapshotAgentsLocked()
}

// PutSubscription persists a broker subscription (replacing a prior one for
// the same agentId+typeFilter pair) and rewrites agent-relationships.json.
func (s *Store) PutSubscription(sub proto.Subscription) error {
	entry := journalEntry{Op: "put", Entity: "subscription", ID: sub.AgentID}
	return s.withJournal(entry, func() error {
		s.snapMu.Lock()
		replaced := false
		for i, existing := range s.subs {
			if existing.AgentID == sub.AgentID && existing.TypeFilter == sub.TypeFilter {
				s.subs[i] = sub
				replaced = true
				break
			}
		}
		if !replaced {
			s.subs = append(s.subs, sub)
		}
		err := s.persistRelationshipsLocked()
		s.snapMu.Unlock()
		return err
	})
}

// DeleteSubscriptions removes every persisted subscription owned by
// agentID and rewrites agent-relationships.json, so a deleted agent's
// filters don't resurrect on the next daemon start.
func (s *Store) DeleteSubscriptions(agentID string) error {
	entry := journalEntry{Op: "delete", Entity: "subscription", ID: agentID}
	return s.withJournal(entry, func() error {
		s.snapMu.Lock()
		kept := s.subs[:0]
		for _, sub := range s.subs {
			if sub.AgentID != agentID {
				kept = append(kept, sub)
			}
		}
		s.subs = kept
		err := s.persistRelationshipsLocked()
		s.snapMu.Unlock()
		return err
	})
}

// ListSubscriptions returns a snapshot of every persisted subscription.
func (s *Store) ListSubscriptions() []proto.Subscription {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	out := make([]proto.Subscription, len(s.subs))
	copy(out, s.subs)
	return out
}
