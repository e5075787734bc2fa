package cache

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client, zerolog.New(io.Discard)), mr
}

func TestPutGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	savedAt := time.Now().UTC().Truncate(time.Millisecond)
	snapshot := types.FormSnapshot{"duration": 2.5, "notes": "draft text"}
	if err := store.Put(ctx, "r1", snapshot, savedAt); err != nil {
		t.Fatalf("put err: %v", err)
	}

	got, gotAt, ok, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if !ok {
		t.Fatal("expected cached draft")
	}
	if got["duration"] != 2.5 || got["notes"] != "draft text" {
		t.Fatalf("snapshot mangled: %v", got)
	}
	if !gotAt.Equal(savedAt) {
		t.Fatalf("saved-at mangled: got %v want %v", gotAt, savedAt)
	}
}

func TestGetMissingDraft(t *testing.T) {
	store, _ := newTestStore(t)
	_, _, ok, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("get err: %v", err)
	}
	if ok {
		t.Fatal("expected no cached draft")
	}
}

func TestCorruptEntryIsDroppedSilently(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	key := store.key("r1")
	if err := mr.Set(key, "not-json{"); err != nil {
		t.Fatalf("seed err: %v", err)
	}

	_, _, ok, err := store.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("corrupt entry must not surface an error, got %v", err)
	}
	if ok {
		t.Fatal("corrupt entry must read as a miss")
	}
	if mr.Exists(key) {
		t.Fatal("corrupt entry must be deleted")
	}
}

func TestPutAppliesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	if err := store.Put(context.Background(), "r1", types.FormSnapshot{}, time.Now()); err != nil {
		t.Fatalf("put err: %v", err)
	}
	if ttl := mr.TTL(store.key("r1")); ttl <= 0 {
		t.Fatalf("expected a TTL on the draft key, got %v", ttl)
	}
}

func TestLocalWins(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name    string
		savedAt time.Time
		remote  time.Time
		status  types.ReportStatus
		want    bool
	}{
		{"newer local draft", now, now.Add(-time.Hour), types.StatusDraft, true},
		{"older local draft", now.Add(-time.Hour), now, types.StatusDraft, false},
		{"equal timestamps favor network", now, now, types.StatusDraft, false},
		{"submitted report never restores", now, now.Add(-time.Hour), types.StatusSubmitted, false},
		{"approved report never restores", now, now.Add(-time.Hour), types.StatusApproved, false},
	}
	for _, tc := range cases {
		if got := LocalWins(tc.savedAt, tc.remote, tc.status); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestDeleteRemovesDraft(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "r1", types.FormSnapshot{"a": 1}, time.Now()); err != nil {
		t.Fatalf("put err: %v", err)
	}
	if err := store.Delete(ctx, "r1"); err != nil {
		t.Fatalf("delete err: %v", err)
	}
	if mr.Exists(store.key("r1")) {
		t.Fatal("draft survived delete")
	}
}
