package storage

import (
	"context"
	"sync"
	"time"
)

// DefaultMemoryMaxEntries は MemoryStore の既定上限です。
const DefaultMemoryMaxEntries = 10000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // ゼロ値は期限なし
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore はプロセス内の上限付きマップです。
// 単一インスタンス内では Update が原子的ですが、複数インスタンス間では状態を共有しません。
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memoryEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。maxEntries <= 0 の場合は既定値を使います。
func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// WithClock はテスト用に時刻関数を差し替えます。
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	return s
}

// Get はキーの値を返します。
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(entry.value), nil
}

// Set は値を保存します。
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value, ttl)
	return nil
}

// SetIfAbsent はキーが存在しない場合のみ値を保存します。
func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// Update はロックを保持したまま読み取り・変更・書き込みを行います。
func (s *MemoryStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	if entry, ok := s.lookup(key); ok {
		current = cloneBytes(entry.value)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	s.put(key, next, ttl)
	return nil
}

// Delete はキーを削除します。存在しなくてもエラーにはなりません。
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Cleanup は期限切れエントリを削除します。
func (s *MemoryStore) Cleanup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(), nil
}

// Len は現在のエントリ数（期限切れ未削除分を含む）を返します。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Backend はバックエンド名を返します。
func (s *MemoryStore) Backend() string {
	return "memory"
}

// Close は何もしません。
func (s *MemoryStore) Close() error {
	return nil
}

// lookup は期限切れエントリを見つけた場合その場で削除します（ロック保持前提）。
func (s *MemoryStore) lookup(key string) (*memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		return nil, false
	}
	return entry, true
}

func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxEntries {
		s.makeRoom()
	}
	entry := &memoryEntry{value: cloneBytes(value)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
}

// makeRoom は期限切れを掃除し、それでも満杯なら最も早く期限が切れるエントリを追い出します。
func (s *MemoryStore) makeRoom() {
	if s.sweepLocked() > 0 && len(s.entries) < s.maxEntries {
		return
	}

	var (
		victim   string
		earliest time.Time
		found    bool
	)
	for key, entry := range s.entries {
		// 期限なしエントリは最後の候補
		if entry.expiresAt.IsZero() {
			if !found {
				victim, found = key, true
			}
			continue
		}
		if !found || earliest.IsZero() || entry.expiresAt.Before(earliest) {
			victim, earliest, found = key, entry.expiresAt, true
		}
	}
	if found {
		delete(s.entries, victim)
	}
}

func (s *MemoryStore) sweepLocked() int {
	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
