// Package session persists conversation state. The Redis-backed store
// is the production path; an in-memory store covers dev environments
// without Redis and keeps tests hermetic.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the conversation persistence interface.
type Store interface {
	Create(ctx context.Context, userID, systemPrompt string) (*Conversation, error)
	Get(ctx context.Context, id string) (*Conversation, error)
	Save(ctx context.Context, conv *Conversation) error
	Delete(ctx context.Context, id string) error
	Close() error
}

const keyPrefix = "helix:conversation:"

// RedisStore persists conversations in Redis with a bounded local
// cache in front.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration

	mu          sync.RWMutex
	localCache  map[string]*Conversation
	cacheAccess map[string]time.Time
	maxCached   int
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client:      client,
		logger:      logger,
		ttl:         24 * time.Hour,
		localCache:  make(map[string]*Conversation),
		cacheAccess: make(map[string]time.Time),
		maxCached:   10000,
	}, nil
}

// Create starts a new conversation.
func (s *RedisStore) Create(ctx context.Context, userID, systemPrompt string) (*Conversation, error) {
	conv := &Conversation{
		ID:           uuid.New().String(),
		UserID:       userID,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
		SystemPrompt: systemPrompt,
		Memory:       make(map[string]string),
	}
	if err := s.Save(ctx, conv); err != nil {
		return nil, err
	}
	s.logger.Info("Created conversation",
		zap.String("conversation_id", conv.ID),
		zap.String("user_id", userID),
	)
	return conv, nil
}

// Get fetches a conversation, serving from the local cache when
// possible.
func (s *RedisStore) Get(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	cached, ok := s.localCache[id]
	s.mu.RUnlock()
	if ok {
		s.mu.Lock()
		s.cacheAccess[id] = time.Now()
		s.mu.Unlock()
		return cached, nil
	}

	data, err := s.client.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}

	s.mu.Lock()
	s.localCache[id] = &conv
	s.cacheAccess[id] = time.Now()
	s.evictLocked()
	s.mu.Unlock()
	return &conv, nil
}

// Save writes a conversation to Redis and refreshes the local cache.
func (s *RedisStore) Save(ctx context.Context, conv *Conversation) error {
	conv.Touch()
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+conv.ID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	s.mu.Lock()
	s.localCache[conv.ID] = conv
	s.cacheAccess[conv.ID] = time.Now()
	s.evictLocked()
	s.mu.Unlock()
	return nil
}

// Delete removes a conversation.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, keyPrefix+id).Err(); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	s.mu.Lock()
	delete(s.localCache, id)
	delete(s.cacheAccess, id)
	s.mu.Unlock()
	return nil
}

// evictLocked drops the least recently accessed cached conversations
// once the cache exceeds its bound. Caller holds s.mu.
func (s *RedisStore) evictLocked() {
	for len(s.localCache) > s.maxCached {
		oldestID := ""
		var oldest time.Time
		for id, at := range s.cacheAccess {
			if oldestID == "" || at.Before(oldest) {
				oldestID, oldest = id, at
			}
		}
		delete(s.localCache, oldestID)
		delete(s.cacheAccess, oldestID)
	}
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]*Conversation)}
}

// Create starts a new conversation.
func (s *MemoryStore) Create(_ context.Context, userID, systemPrompt string) (*Conversation, error) {
	conv := &Conversation{
		ID:           uuid.New().String(),
		UserID:       userID,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
		SystemPrompt: systemPrompt,
		Memory:       make(map[string]string),
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return conv, nil
}

// Get fetches a conversation.
func (s *MemoryStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return conv, nil
}

// Save stores a conversation.
func (s *MemoryStore) Save(_ context.Context, conv *Conversation) error {
	conv.Touch()
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return nil
}

// Delete removes a conversation.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.conversations, id)
	s.mu.Unlock()
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
