package preview

import (
	"context"
	"sync"

	"github.com/splax/pipectl/internal/domain"
)

// Store holds one bounded FIFO of preview events per org. Append must add and
// trim as a single step so concurrent writers never push a buffer past capacity.
type Store interface {
	Append(ctx context.Context, orgID string, events []domain.PreviewEvent) error
	List(ctx context.Context, orgID string) ([]domain.PreviewEvent, error)
	Reset(ctx context.Context, orgID string) error
}

// ChannelStore holds collection channel state. Append checks the collecting
// flag and appends under the same lock, reporting whether the batch was kept.
type ChannelStore interface {
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Append(ctx context.Context, name string, events []domain.PreviewEvent) (bool, error)
	Snapshot(ctx context.Context, name string) (bool, []domain.PreviewEvent, error)
}

// MemoryStore is a process-local Store. Once maxOrgs buffers exist, appending
// for a new org evicts the org whose buffer was appended to least recently.
type MemoryStore struct {
	mu       sync.Mutex
	capacity int
	maxOrgs  int
	seq      uint64
	buffers  map[string]*orgBuffer
}

type orgBuffer struct {
	events  []domain.PreviewEvent
	touched uint64
}

// NewMemoryStore returns a Store keeping at most capacity events per org for
// at most DefaultMaxOrgs orgs.
func NewMemoryStore(capacity int) *MemoryStore {
	return NewMemoryStoreWithLimit(capacity, DefaultMaxOrgs)
}

// NewMemoryStoreWithLimit is NewMemoryStore with an explicit org limit.
func NewMemoryStoreWithLimit(capacity, maxOrgs int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	if maxOrgs <= 0 {
		maxOrgs = DefaultMaxOrgs
	}
	return &MemoryStore{capacity: capacity, maxOrgs: maxOrgs, buffers: make(map[string]*orgBuffer)}
}

func (s *MemoryStore) Append(_ context.Context, orgID string, events []domain.PreviewEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[orgID]
	if !ok {
		if len(s.buffers) >= s.maxOrgs {
			s.evictOldest()
		}
		buf = &orgBuffer{}
		s.buffers[orgID] = buf
	}
	s.seq++
	buf.touched = s.seq
	buf.events = keepNewest(append(buf.events, events...), s.capacity)
	return nil
}

// evictOldest requires s.mu.
func (s *MemoryStore) evictOldest() {
	var (
		oldest    string
		oldestSeq uint64
		found     bool
	)
	for org, buf := range s.buffers {
		if !found || buf.touched < oldestSeq {
			oldest, oldestSeq, found = org, buf.touched, true
		}
	}
	if found {
		delete(s.buffers, oldest)
	}
}

// Orgs reports how many org buffers are held.
func (s *MemoryStore) Orgs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

func (s *MemoryStore) List(_ context.Context, orgID string) ([]domain.PreviewEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.buffers[orgID]
	if !ok {
		return []domain.PreviewEvent{}, nil
	}
	return append([]domain.PreviewEvent{}, buf.events...), nil
}

func (s *MemoryStore) Reset(_ context.Context, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, orgID)
	return nil
}

// MemoryChannels is a process-local ChannelStore.
type MemoryChannels struct {
	mu       sync.Mutex
	capacity int
	channels map[string]*channelState
}

type channelState struct {
	collecting bool
	events     []domain.PreviewEvent
}

// NewMemoryChannels returns a ChannelStore keeping at most capacity events per channel.
func NewMemoryChannels(capacity int) *MemoryChannels {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &MemoryChannels{capacity: capacity, channels: make(map[string]*channelState)}
}

func (s *MemoryChannels) state(name string) *channelState {
	st, ok := s.channels[name]
	if !ok {
		st = &channelState{}
		s.channels[name] = st
	}
	return st
}

func (s *MemoryChannels) Start(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(name)
	st.collecting = true
	st.events = nil
	return nil
}

func (s *MemoryChannels) Stop(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(name)
	st.collecting = false
	st.events = nil
	return nil
}

func (s *MemoryChannels) Append(_ context.Context, name string, events []domain.PreviewEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(name)
	if !st.collecting {
		return false, nil
	}
	st.events = keepNewest(append(st.events, events...), s.capacity)
	return true, nil
}

func (s *MemoryChannels) Snapshot(_ context.Context, name string) (bool, []domain.PreviewEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(name)
	return st.collecting, append([]domain.PreviewEvent{}, st.events...), nil
}

func keepNewest(events []domain.PreviewEvent, capacity int) []domain.PreviewEvent {
	if len(events) <= capacity {
		return events
	}
	trimmed := make([]domain.PreviewEvent, capacity)
	copy(trimmed, events[len(events)-capacity:])
	return trimmed
}
