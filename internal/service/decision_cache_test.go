package service

import (
	"testing"

	"github.com/RhysSullivan/codegate/internal/domain/policy"
)

func TestDecisionCache_PutGet(t *testing.T) {
	c := newDecisionCache(4)

	if _, ok := c.Get(1); ok {
		t.Fatal("empty cache reported a hit")
	}

	c.Put(1, policy.Decision{Outcome: policy.OutcomeDeny, RuleID: "r1"})
	d, ok := c.Get(1)
	if !ok || d.RuleID != "r1" {
		t.Fatalf("Get(1) = %+v, %v", d, ok)
	}

	// Overwrite keeps a single entry.
	c.Put(1, policy.Decision{Outcome: policy.OutcomeAllow, RuleID: "r2"})
	if c.Size() != 1 {
		t.Errorf("size = %d after overwrite, want 1", c.Size())
	}
	if d, _ := c.Get(1); d.RuleID != "r2" {
		t.Errorf("overwrite not visible: %+v", d)
	}
}

func TestDecisionCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := newDecisionCache(2)
	c.Put(1, policy.Decision{RuleID: "a"})
	c.Put(2, policy.Decision{RuleID: "b"})

	// Touch 1 so 2 becomes the eviction candidate.
	if _, ok := c.Get(1); !ok {
		t.Fatal("lost entry 1")
	}
	c.Put(3, policy.Decision{RuleID: "c"})

	if _, ok := c.Get(2); ok {
		t.Error("entry 2 should have been evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Error("recently used entry 1 was evicted")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("new entry 3 missing")
	}
	if c.Size() != 2 {
		t.Errorf("size = %d, want 2", c.Size())
	}
}

func TestDecisionCache_Clear(t *testing.T) {
	c := newDecisionCache(8)
	for i := uint64(0); i < 5; i++ {
		c.Put(i, policy.Decision{})
	}
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("size = %d after clear", c.Size())
	}
	if _, ok := c.Get(0); ok {
		t.Error("cleared cache reported a hit")
	}
	// Usable after clear.
	c.Put(7, policy.Decision{RuleID: "x"})
	if d, ok := c.Get(7); !ok || d.RuleID != "x" {
		t.Errorf("Get after clear = %+v, %v", d, ok)
	}
}

func TestDecisionCache_DefaultCapacity(t *testing.T) {
	c := newDecisionCache(0)
	if c.maxSize != 1000 {
		t.Errorf("maxSize = %d, want fallback 1000", c.maxSize)
	}
}
