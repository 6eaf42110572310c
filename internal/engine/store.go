package engine

import (
	"context"
	"sort"
	"sync"

	"character-playground/backend/internal/models"
)

// ConversationStore persists conversations for the engine. Implementations
// own durability only; all lifecycle semantics live in the engine.
type ConversationStore interface {
	List(ctx context.Context, characterID string) ([]models.Conversation, error)
	Get(ctx context.Context, characterID, id string) (*models.Conversation, error)
	Put(ctx context.Context, conv *models.Conversation) error
	Delete(ctx context.Context, characterID, id string) error
}

// MemoryStore is the default in-process store.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]map[string]models.Conversation // characterID -> id -> conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]map[string]models.Conversation)}
}

// List returns the character's conversations, most recently updated first.
func (s *MemoryStore) List(_ context.Context, characterID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(s.convs[characterID]))
	for _, conv := range s.convs[characterID] {
		out = append(out, cloneConversation(conv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

// Get returns one conversation, or nil when it does not exist.
func (s *MemoryStore) Get(_ context.Context, characterID, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[characterID][id]
	if !ok {
		return nil, nil
	}
	clone := cloneConversation(conv)
	return &clone, nil
}

// Put inserts or replaces a conversation.
func (s *MemoryStore) Put(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.convs[conv.CharacterID]
	if !ok {
		byID = make(map[string]models.Conversation)
		s.convs[conv.CharacterID] = byID
	}
	byID[conv.ID] = cloneConversation(*conv)
	return nil
}

// Delete removes a conversation. Deleting a missing id is a no-op.
func (s *MemoryStore) Delete(_ context.Context, characterID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.convs[characterID], id)
	return nil
}

// cloneConversation deep-copies message slices so callers cannot mutate
// stored state behind the lock.
func cloneConversation(conv models.Conversation) models.Conversation {
	out := conv
	out.Messages = make([]models.Message, len(conv.Messages))
	copy(out.Messages, conv.Messages)
	for i := range out.Messages {
		if len(out.Messages[i].Variants) > 0 {
			variants := make([]string, len(out.Messages[i].Variants))
			copy(variants, out.Messages[i].Variants)
			out.Messages[i].Variants = variants
		}
	}
	return out
}
