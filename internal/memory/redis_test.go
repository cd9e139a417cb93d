package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStore(t *testing.T, opts ...Option) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	s := NewRedisStore(&redis.Options{Addr: mr.Addr()}, nil, opts...)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestPutGetVersions(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	v1, err := s.Put(ctx, Episodic, "shoot-1", map[string]any{"client": "Ana", "photos": 120})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	v2, err := s.Put(ctx, Episodic, "shoot-1", map[string]any{"client": "Ana", "photos": 121})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if v1 != 1 || v2 != 2 {
		t.Fatalf("versions = %d, %d; want 1, 2", v1, v2)
	}
	e, err := s.Get(ctx, Episodic, "shoot-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Version != 2 || e.Data["photos"] != float64(121) || e.StoredAt.IsZero() {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.ExpiresAt != nil {
		t.Fatalf("episodic entry should not expire")
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), Semantic, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestInvalidKind(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Put(context.Background(), Kind("trabalho"), "x", nil); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("err = %v, want ErrInvalidKind", err)
	}
}

func TestWorkingMemoryExpires(t *testing.T) {
	s, mr := newStore(t, WithWorkingTTL(time.Hour))
	ctx := context.Background()
	if _, err := s.Put(ctx, Working, "task-1", map[string]any{"step": 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if ttl := mr.TTL(key(Working, "task-1")); ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}
	e, err := s.Get(ctx, Working, "task-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.ExpiresAt == nil {
		t.Fatal("working entry has no expiry")
	}
	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, Working, "task-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound after expiry", err)
	}
}

func TestSearch(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := 0
	s, _ := newStore(t, WithClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}))
	ctx := context.Background()
	for i, name := range []string{"Ana Souza", "Bruno", "ana lima"} {
		id := fmt.Sprintf("client-%d", i)
		if _, err := s.Put(ctx, Semantic, id, map[string]any{"name": name, "sessions": i}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.Search(ctx, Semantic, map[string]any{"name": "ANA"}, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "client-2" || got[1].ID != "client-0" {
		t.Fatalf("unexpected results %+v", got)
	}

	got, _ = s.Search(ctx, Semantic, map[string]any{"sessions": 1}, 10)
	if len(got) != 1 || got[0].ID != "client-1" {
		t.Fatalf("equality search returned %+v", got)
	}

	got, _ = s.Search(ctx, Semantic, map[string]any{"id": "client-0"}, 10)
	if len(got) != 1 || got[0].Data["name"] != "Ana Souza" {
		t.Fatalf("top-level search returned %+v", got)
	}

	got, _ = s.Search(ctx, Semantic, map[string]any{"missing": "x"}, 10)
	if len(got) != 0 {
		t.Fatalf("unknown key matched %+v", got)
	}

	got, _ = s.Search(ctx, Semantic, nil, 1)
	if len(got) != 1 || got[0].ID != "client-2" {
		t.Fatalf("limit returned %+v", got)
	}
}

func TestDeleteAndStats(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	if err := s.PutMany(ctx, Procedural, map[string]map[string]any{
		"edit":   {"steps": []any{"import", "cull"}},
		"export": {"format": "jpeg"},
	}); err != nil {
		t.Fatalf("put many: %v", err)
	}
	if _, err := s.Put(ctx, Emotional, "ana", map[string]any{"mood": "happy"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.Counts[Procedural] != 2 || st.Counts[Emotional] != 1 || st.Counts[Working] != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	e, err := s.Get(ctx, Procedural, "export")
	if err != nil || e.Version != 1 {
		t.Fatalf("batch entry %+v, err %v", e, err)
	}

	if err := s.Delete(ctx, Procedural, "edit"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, Procedural, "edit"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestWatch(t *testing.T) {
	s, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := s.Watch(ctx, Working)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := s.Put(ctx, Episodic, "ignored", map[string]any{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, Working, "task-9", map[string]any{"status": "running"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case upd := <-updates:
		if upd.Kind != Working || upd.ID != "task-9" || upd.Version != 1 {
			t.Fatalf("unexpected update %+v", upd)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for watch event")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("unexpected update after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch channel not closed")
	}
}
