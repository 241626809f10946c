package storage

import (
	"sync"

	"github.com/nexuschain/bft-node/pkg/consensus"
)

// InMemoryBlockStore is a digest-keyed consensus.BlockStore with no
// durability: it is enough for tests and for a replica that always
// catches up via the Synchronizer rather than its own disk.
type InMemoryBlockStore struct {
	mu     sync.Mutex
	blocks map[consensus.Hash][]byte
}

func NewInMemoryBlockStore() *InMemoryBlockStore {
	return &InMemoryBlockStore{blocks: make(map[consensus.Hash][]byte)}
}

func (s *InMemoryBlockStore) Get(digest consensus.Hash) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[digest]
	return b, ok
}

func (s *InMemoryBlockStore) Put(digest consensus.Hash, block []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[digest] = block
}

var _ consensus.BlockStore = (*InMemoryBlockStore)(nil)
