package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Store{
		"mem":    NewMemStore(),
		"sqlite": sqlite,
	}
}

func TestOpenCreatesVisiblePartition(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			if _, err := store.OpenPartition(ctx, "precache-v1"); err != nil {
				t.Fatal(err)
			}
			names, err := store.PartitionNames(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(names) != 1 || names[0] != "precache-v1" {
				t.Errorf("expected empty partition to be listed, got %v", names)
			}
		})
	}
}

func TestPutMatchRoundtrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			p, err := store.OpenPartition(ctx, "runtime-v1")
			if err != nil {
				t.Fatal(err)
			}
			storedAt := time.Now().Truncate(time.Second)
			err = p.Put(ctx, "GET:/api/items", Entry{Bytes: []byte("body"), StoredAt: storedAt})
			if err != nil {
				t.Fatal(err)
			}
			entry, ok, err := p.Match(ctx, "GET:/api/items")
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("expected a match")
			}
			if string(entry.Bytes) != "body" {
				t.Errorf("bytes do not match: %q", entry.Bytes)
			}
			if !entry.StoredAt.Equal(storedAt) {
				t.Errorf("stored at %v, got %v", storedAt, entry.StoredAt)
			}
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			p, _ := store.OpenPartition(ctx, "runtime-v1")
			if err := p.Put(ctx, "GET:/", Entry{Bytes: []byte("one"), StoredAt: time.Now()}); err != nil {
				t.Fatal(err)
			}
			if err := p.Put(ctx, "GET:/", Entry{Bytes: []byte("two"), StoredAt: time.Now()}); err != nil {
				t.Fatal(err)
			}
			entry, ok, err := p.Match(ctx, "GET:/")
			if err != nil || !ok {
				t.Fatalf("match failed: %v %v", ok, err)
			}
			if string(entry.Bytes) != "two" {
				t.Errorf("expected overwrite, got %q", entry.Bytes)
			}
			if n, _ := p.Len(ctx); n != 1 {
				t.Errorf("expected 1 entry after overwrite, got %d", n)
			}
		})
	}
}

func TestMatchMiss(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			p, _ := store.OpenPartition(ctx, "precache-v1")
			_, ok, err := p.Match(ctx, "GET:/not-there")
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("expected a miss")
			}
		})
	}
}

func TestPartitionsAreIsolated(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			a, _ := store.OpenPartition(ctx, "precache-v1")
			b, _ := store.OpenPartition(ctx, "runtime-v1")
			if err := a.Put(ctx, "GET:/", Entry{Bytes: []byte("shell"), StoredAt: time.Now()}); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := b.Match(ctx, "GET:/"); ok {
				t.Error("entry leaked across partitions")
			}
		})
	}
}

func TestDeletePartition(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			p, _ := store.OpenPartition(ctx, "precache-old")
			if err := p.Put(ctx, "GET:/", Entry{Bytes: []byte("x"), StoredAt: time.Now()}); err != nil {
				t.Fatal(err)
			}
			deleted, err := store.DeletePartition(ctx, "precache-old")
			if err != nil {
				t.Fatal(err)
			}
			if !deleted {
				t.Error("expected delete to report an existing partition")
			}
			deleted, err = store.DeletePartition(ctx, "precache-old")
			if err != nil {
				t.Fatal(err)
			}
			if deleted {
				t.Error("expected second delete to report a missing partition")
			}
			names, _ := store.PartitionNames(ctx)
			for _, n := range names {
				if n == "precache-old" {
					t.Error("deleted partition still listed")
				}
			}
		})
	}
}

func TestDeletedPartitionDropsEntries(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()
			p, _ := store.OpenPartition(ctx, "precache-v1")
			if err := p.Put(ctx, "GET:/", Entry{Bytes: []byte("x"), StoredAt: time.Now()}); err != nil {
				t.Fatal(err)
			}
			if _, err := store.DeletePartition(ctx, "precache-v1"); err != nil {
				t.Fatal(err)
			}
			p, _ = store.OpenPartition(ctx, "precache-v1")
			if _, ok, _ := p.Match(ctx, "GET:/"); ok {
				t.Error("entry survived partition delete")
			}
			if n, _ := p.Len(ctx); n != 0 {
				t.Errorf("expected recreated partition to be empty, got %d entries", n)
			}
		})
	}
}

func TestMemStoreClosed(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	p, _ := store.OpenPartition(ctx, "runtime-v1")
	store.Close()
	if _, err := store.OpenPartition(ctx, "other"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := p.Put(ctx, "GET:/", Entry{}); err != ErrClosed {
		t.Errorf("expected ErrClosed on put, got %v", err)
	}
}
