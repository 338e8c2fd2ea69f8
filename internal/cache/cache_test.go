package cache

import (
	"context"
	"fmt"
	"testing"
)

func TestLRU_GetPut(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(8)

	if _, ok := c.Get(ctx, "a@x.com"); ok {
		t.Fatal("unexpected hit on empty cache")
	}
	c.Put(ctx, "a@x.com", 1)
	id, ok := c.Get(ctx, "a@x.com")
	if !ok || id != 1 {
		t.Fatalf("Get = (%d, %v), want (1, true)", id, ok)
	}
}

func TestLRU_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(2)

	c.Put(ctx, "a", 1)
	c.Put(ctx, "b", 2)
	c.Put(ctx, "c", 3) // evicts "a"

	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("oldest entry should have been evicted")
	}
	if _, ok := c.Get(ctx, "b"); !ok {
		t.Fatal("recent entry evicted")
	}
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
}

func TestLRU_DefaultSize(t *testing.T) {
	ctx := context.Background()
	c := NewLRU(0)
	for i := 0; i < 100; i++ {
		c.Put(ctx, fmt.Sprintf("user%d", i), int64(i+1))
	}
	if c.Len() != 100 {
		t.Fatalf("Len = %d, want 100 (default size should not evict this early)", c.Len())
	}
}
