package recorder

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const memoShards = 16

// accountMemo remembers which accounts this process has already
// synthesized, sharded to keep lock contention off the hot path.
type accountMemo struct {
	shards [memoShards]struct {
		mu   sync.Mutex
		seen map[string]struct{}
	}
}

func newAccountMemo() *accountMemo {
	m := &accountMemo{}
	for i := range m.shards {
		m.shards[i].seen = make(map[string]struct{})
	}
	return m
}

func (m *accountMemo) shard(accountID string) *struct {
	mu   sync.Mutex
	seen map[string]struct{}
} {
	return &m.shards[xxhash.Sum64String(accountID)%memoShards]
}

// firstSighting marks the account as seen and reports whether this call
// was the first. Exactly one concurrent caller wins.
func (m *accountMemo) firstSighting(accountID string) bool {
	s := m.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[accountID]; ok {
		return false
	}
	s.seen[accountID] = struct{}{}
	return true
}

// forget drops the sighting so a failed synthesis can be retried.
func (m *accountMemo) forget(accountID string) {
	s := m.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, accountID)
}
