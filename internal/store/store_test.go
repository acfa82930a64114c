package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"sentinel-soar/internal/fault"
)

type counter struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func TestMemoryStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Get(ctx, KindPlaybook, "missing"); !fault.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}

	if err := s.Put(ctx, KindPlaybook, "pb-1", &counter{ID: "pb-1"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v, err := s.Get(ctx, KindPlaybook, "pb-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v.(*counter).ID != "pb-1" {
		t.Errorf("unexpected entity: %v", v)
	}

	items, err := s.List(ctx, KindPlaybook)
	if err != nil || len(items) != 1 {
		t.Fatalf("expected one item, got %d (%v)", len(items), err)
	}
	// Listing an empty kind is fine
	items, err = s.List(ctx, KindPolicy)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected no items, got %d (%v)", len(items), err)
	}

	if err := s.Delete(ctx, KindPlaybook, "pb-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(ctx, KindPlaybook, "pb-1"); !fault.IsNotFound(err) {
		t.Fatalf("expected NotFoundError on second delete, got %v", err)
	}
}

func TestMemoryStoreUpdateSerialized(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Put(ctx, KindResponse, "r-1", &counter{ID: "r-1"}); err != nil {
		t.Fatal(err)
	}

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, KindResponse, "r-1", func(v any) (any, error) {
				c := v.(*counter)
				return &counter{ID: c.ID, Count: c.Count + 1}, nil
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, KindResponse, "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if got := v.(*counter).Count; got != workers {
		t.Errorf("lost updates: expected %d, got %d", workers, got)
	}
}

func TestMemoryStoreUpdateAborts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Put(ctx, KindResponse, "r-1", &counter{ID: "r-1", Count: 3}); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("limit reached")
	_, err := s.Update(ctx, KindResponse, "r-1", func(v any) (any, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}

	v, _ := s.Get(ctx, KindResponse, "r-1")
	if v.(*counter).Count != 3 {
		t.Error("aborted update mutated the entity")
	}

	if _, err := s.Update(ctx, KindResponse, "missing", func(v any) (any, error) {
		return v, nil
	}); !fault.IsNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("r-%d", i)
		if err := s.Put(ctx, KindResponse, id, &counter{ID: id, Count: i}); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := s.Snapshot(&buf); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored := NewMemoryStore()
	err := restored.Restore(&buf, func(kind Kind, msg json.RawMessage) (any, error) {
		if kind != KindResponse {
			return nil, nil
		}
		var c counter
		if err := json.Unmarshal(msg, &c); err != nil {
			return nil, err
		}
		return &c, nil
	})
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	v, err := restored.Get(ctx, KindResponse, "r-2")
	if err != nil {
		t.Fatalf("restored entity missing: %v", err)
	}
	if v.(*counter).Count != 2 {
		t.Errorf("restored entity corrupted: %v", v)
	}
}
