// Package cache provides the partitioned response store behind the
// offline-cache gateway. A Store holds named partitions; a partition maps
// request identities to serialized HTTP responses. Staleness is handled by
// whole-partition replacement, never per-entry expiry.
package cache

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"
)

// ErrClosed is returned for operations on a store after Close.
var ErrClosed = errors.New("cache: store is closed")

// Store is a collection of named partitions.
//
// Opening a partition creates it if it does not exist, and a created
// partition is listed by PartitionNames even while empty. Implementations
// must be thread-safe!
type Store interface {
	// OpenPartition returns the partition with the given name, creating
	// it first if needed.
	OpenPartition(ctx context.Context, name string) (Partition, error)
	// PartitionNames lists every partition in the store, including ones
	// this subsystem does not own.
	PartitionNames(ctx context.Context) ([]string, error)
	// DeletePartition removes a partition and everything in it. The bool
	// reports whether the partition existed.
	DeletePartition(ctx context.Context, name string) (bool, error)
	io.Closer
}

// Partition maps request identities to stored entries.
type Partition interface {
	Name() string
	// Match returns the entry stored under the identity, if any.
	Match(ctx context.Context, identity string) (Entry, bool, error)
	// Put stores an entry under the identity, replacing any previous one.
	Put(ctx context.Context, identity string, entry Entry) error
	// Len returns the number of entries in the partition.
	Len(ctx context.Context) (int, error)
}

// Entry is one stored response.
type Entry struct {
	Bytes    []byte
	StoredAt time.Time
}

// MemStore keeps partitions in process memory. Useful for tests and for
// gateways that can afford to re-install on restart.
type MemStore struct {
	mutex      sync.RWMutex
	partitions map[string]map[string]Entry
	closed     bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		partitions: make(map[string]map[string]Entry),
	}
}

func (m *MemStore) OpenPartition(ctx context.Context, name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.partitions[name]; !ok {
		m.partitions[name] = make(map[string]Entry)
	}
	return &memPartition{store: m, name: name}, nil
}

func (m *MemStore) PartitionNames(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStore) DeletePartition(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.partitions[name]
	delete(m.partitions, name)
	return ok, nil
}

func (m *MemStore) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	m.partitions = nil
	return nil
}

// memPartition holds no data itself, so a partition handle stays valid
// across a delete/re-open of the same name.
type memPartition struct {
	store *MemStore
	name  string
}

func (p *memPartition) Name() string { return p.name }

func (p *memPartition) Match(ctx context.Context, identity string) (Entry, bool, error) {
	p.store.mutex.RLock()
	defer p.store.mutex.RUnlock()
	if p.store.closed {
		return Entry{}, false, ErrClosed
	}
	entries, ok := p.store.partitions[p.name]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := entries[identity]
	return entry, ok, nil
}

func (p *memPartition) Put(ctx context.Context, identity string, entry Entry) error {
	p.store.mutex.Lock()
	defer p.store.mutex.Unlock()
	if p.store.closed {
		return ErrClosed
	}
	entries, ok := p.store.partitions[p.name]
	if !ok {
		entries = make(map[string]Entry)
		p.store.partitions[p.name] = entries
	}
	entries[identity] = entry
	return nil
}

func (p *memPartition) Len(ctx context.Context) (int, error) {
	p.store.mutex.RLock()
	defer p.store.mutex.RUnlock()
	if p.store.closed {
		return 0, ErrClosed
	}
	return len(p.store.partitions[p.name]), nil
}
