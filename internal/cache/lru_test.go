package cache

import (
	"testing"
	"time"
)

func TestLRUCache_GetSet(t *testing.T) {
	c := NewLRUCache[int64, string](2, time.Minute)

	c.Set(1, "one")
	if v, ok := c.Get(1); !ok || v != "one" {
		t.Fatalf("Get(1) = %q, %v", v, ok)
	}
	if _, ok := c.Get(2); ok {
		t.Fatal("Get(2) should miss")
	}

	st := c.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.Size != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[int64, int](2, time.Minute)

	c.Set(1, 1)
	c.Set(2, 2)
	c.Get(1) // 2 becomes least recently used
	c.Set(3, 3)

	if _, ok := c.Get(2); ok {
		t.Error("key 2 should have been evicted")
	}
	for _, k := range []int64{1, 3} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("key %d should still be cached", k)
		}
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	c := NewLRUCache[string, int](10, 10*time.Millisecond)
	c.Set("a", 1)
	c.Set("b", 2)

	time.Sleep(20 * time.Millisecond)

	if n := c.CleanExpired(); n != 2 {
		t.Errorf("CleanExpired() = %d, want 2", n)
	}
	if c.Size() != 0 {
		t.Errorf("Size() = %d, want 0", c.Size())
	}
}

func TestLRUCache_Delete(t *testing.T) {
	c := NewLRUCache[int64, int](10, time.Minute)
	c.Set(7, 7)
	c.Delete(7)
	c.Delete(8)

	if _, ok := c.Get(7); ok {
		t.Error("deleted key should miss")
	}
}

func TestManager_StopWaitsForCleanup(t *testing.T) {
	c := NewLRUCache[int64, int](10, time.Nanosecond)
	c.Set(1, 1)

	m := NewManager()
	m.Register(c)
	m.StartCleanup(5 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	if c.Size() != 0 {
		t.Errorf("expired entry should have been swept, size %d", c.Size())
	}
}
