// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mobiletoly/go-overline/overline"
)

type memEntity struct {
	data      json.RawMessage
	version   int64
	deleted   bool
	updatedAt time.Time
}

type memLedgerEntry struct {
	entity   string
	sourceID string
	response MutationResponse
}

// MemoryStore is an in-process Store used by the simulator and tests
type MemoryStore struct {
	mu       sync.Mutex
	entities map[string]*memEntity
	ledger   map[string]memLedgerEntry
	order    []string // ledger keys in apply order
	now      func() time.Time
}

// NewMemoryStore returns an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*memEntity),
		ledger:   make(map[string]memLedgerEntry),
		now:      time.Now,
	}
}

func scopedKey(userID, id string) string {
	return userID + "\x00" + id
}

func (s *MemoryStore) ApplyMutation(ctx context.Context, userID string, m Mutation) (*MutationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lk := scopedKey(userID, m.IdempotencyKey)
	if prev, ok := s.ledger[lk]; ok {
		if prev.entity != m.TargetEntity {
			return nil, invalid("idempotency_key", "already used for a different entity")
		}
		resp := prev.response
		resp.Replayed = true
		return &resp, nil
	}

	ek := scopedKey(userID, m.TargetEntity)
	cur := s.entities[ek]
	next := memEntity{updatedAt: s.now().UTC()}
	if cur != nil {
		next = *cur
		next.updatedAt = s.now().UTC()
	}

	switch m.Kind {
	case overline.KindCreate:
		next.data = append(json.RawMessage(nil), m.Payload...)
		next.deleted = false
		next.version++
	case overline.KindUpdate:
		if cur == nil || cur.deleted {
			return nil, ErrEntityNotFound
		}
		merged, err := mergeObjects(cur.data, m.Payload)
		if err != nil {
			return nil, err
		}
		next.data = merged
		next.version++
	case overline.KindDelete:
		next.data = nil
		next.deleted = true
		next.version++
	case overline.KindCustom:
		// Recorded in the ledger only.
	default:
		return nil, invalid("kind", "unsupported kind %q", m.Kind)
	}
	if m.Kind != overline.KindCustom {
		s.entities[ek] = &next
	}

	resp := MutationResponse{
		TargetEntity: m.TargetEntity,
		Deleted:      next.deleted,
		Version:      next.version,
	}
	if !next.deleted {
		resp.Data = append(json.RawMessage(nil), next.data...)
	}
	s.ledger[lk] = memLedgerEntry{entity: m.TargetEntity, sourceID: m.SourceID, response: resp}
	s.order = append(s.order, lk)
	return &resp, nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, userID, entityID string) (*EntityResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[scopedKey(userID, entityID)]
	if !ok || e.deleted {
		return nil, ErrEntityNotFound
	}
	return &EntityResponse{
		ID:        entityID,
		Data:      append(json.RawMessage(nil), e.data...),
		Version:   e.version,
		UpdatedAt: e.updatedAt,
	}, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// AppliedCount returns how many distinct idempotency keys have been applied
func (s *MemoryStore) AppliedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// AppliedEntities returns the target entity of every applied key, in apply order
func (s *MemoryStore) AppliedEntities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.ledger[k].entity)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
