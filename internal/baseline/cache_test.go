package baseline

import (
	"sync"
	"testing"
	"time"
)

func TestCache_FreshHit(t *testing.T) {
	c := NewCache(30 * time.Second)
	c.Set("github", &Baseline{ServerName: "github"})

	result := c.Get("github")
	if !result.Hit {
		t.Fatal("expected cache hit")
	}
	if result.NeedsRefresh {
		t.Fatal("expected fresh, got needs refresh")
	}
	if result.Baseline.ServerName != "github" {
		t.Fatalf("expected github, got %s", result.Baseline.ServerName)
	}
}

func TestCache_Miss(t *testing.T) {
	c := NewCache(30 * time.Second)
	result := c.Get("nonexistent")
	if result.Hit || result.Baseline != nil {
		t.Fatalf("expected miss, got %+v", result)
	}
}

func TestCache_NegativeEntry(t *testing.T) {
	c := NewCache(30 * time.Second)
	c.Set("fresh-server", nil)

	result := c.Get("fresh-server")
	if !result.Hit {
		t.Fatal("expected hit for negative entry")
	}
	if result.Baseline != nil {
		t.Fatal("expected nil baseline for negative entry")
	}
}

func TestCache_StaleHit_OnlyOneRefreshSignal(t *testing.T) {
	c := NewCache(1 * time.Millisecond)
	c.Set("github", &Baseline{ServerName: "github"})

	time.Sleep(5 * time.Millisecond)

	var mu sync.Mutex
	refreshCount := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := c.Get("github")
			if !result.Hit || result.Baseline == nil {
				t.Error("stale entry must still be served")
			}
			if result.NeedsRefresh {
				mu.Lock()
				refreshCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if refreshCount != 1 {
		t.Fatalf("expected exactly 1 refresh across 50 goroutines, got %d", refreshCount)
	}
}

func TestCache_SetAfterStale_ResetsFreshness(t *testing.T) {
	c := NewCache(1 * time.Millisecond)
	c.Set("github", &Baseline{ServerName: "github"})
	time.Sleep(5 * time.Millisecond)

	c.Set("github", &Baseline{ServerName: "github", Tools: map[string]string{"a": "1"}})
	result := c.Get("github")
	if result.NeedsRefresh {
		t.Fatal("expected fresh after re-set")
	}
	if result.Baseline.Tools["a"] != "1" {
		t.Fatal("expected updated baseline")
	}
}

func TestCache_Delete(t *testing.T) {
	c := NewCache(30 * time.Second)
	c.Set("github", &Baseline{ServerName: "github"})
	c.Delete("github")
	if c.Get("github").Hit {
		t.Fatal("expected miss after delete")
	}
}

func BenchmarkCache_Get_FreshHit(b *testing.B) {
	c := NewCache(30 * time.Second)
	c.Set("github", &Baseline{ServerName: "github"})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		c.Get("github")
	}
}
