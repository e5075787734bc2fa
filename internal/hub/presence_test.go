package hub

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

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewService(client, NewRegistry(), zerolog.New(io.Discard)), mr
}

func TestRecordAndRoster(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.record(ctx, "r1", "tab-1", types.Member{UserID: "u1", Username: "alice"}, nil); err != nil {
		t.Fatalf("record err: %v", err)
	}
	if err := svc.record(ctx, "r1", "tab-2", types.Member{UserID: "u2", Username: "bob"}, nil); err != nil {
		t.Fatalf("record err: %v", err)
	}

	state, err := svc.Roster(ctx, "r1")
	if err != nil {
		t.Fatalf("roster err: %v", err)
	}
	if len(state) != 2 {
		t.Fatalf("expected 2 sessions, got %v", state)
	}
	if state["tab-1"].Username != "alice" || state["tab-2"].Username != "bob" {
		t.Fatalf("members mangled: %v", state)
	}
}

func TestRoomsAreIsolated(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.record(ctx, "r1", "tab-1", types.Member{UserID: "u1", Username: "alice"}, nil); err != nil {
		t.Fatalf("record err: %v", err)
	}
	if err := svc.record(ctx, "r2", "tab-9", types.Member{UserID: "u9", Username: "eve"}, nil); err != nil {
		t.Fatalf("record err: %v", err)
	}

	state, err := svc.Roster(ctx, "r1")
	if err != nil {
		t.Fatalf("roster err: %v", err)
	}
	if len(state) != 1 {
		t.Fatalf("presence leaked across rooms: %v", state)
	}
	if _, ok := state["tab-9"]; ok {
		t.Fatal("foreign session in roster")
	}
}

func TestClearRemovesSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.record(ctx, "r1", "tab-1", types.Member{UserID: "u1", Username: "alice"}, nil); err != nil {
		t.Fatalf("record err: %v", err)
	}
	svc.Clear(ctx, "r1", "tab-1")

	state, err := svc.Roster(ctx, "r1")
	if err != nil {
		t.Fatalf("roster err: %v", err)
	}
	if len(state) != 0 {
		t.Fatalf("session survived clear: %v", state)
	}
}

func TestHeartbeatTTLOption(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := NewService(client, NewRegistry(), zerolog.New(io.Discard), WithHeartbeatTTL(10*time.Second))

	if err := svc.record(context.Background(), "r1", "tab-1", types.Member{UserID: "u1", Username: "alice"}, nil); err != nil {
		t.Fatalf("record err: %v", err)
	}
	if ttl := mr.TTL(svc.sessionKey("r1", "tab-1")); ttl != 10*time.Second {
		t.Fatalf("heartbeat key ignored the configured ttl, got %v", ttl)
	}
}

func TestPruneDropsExpiredHeartbeats(t *testing.T) {
	svc, mr := newTestService(t)
	ctx := context.Background()

	if err := svc.record(ctx, "r1", "tab-1", types.Member{UserID: "u1", Username: "alice"}, nil); err != nil {
		t.Fatalf("record err: %v", err)
	}

	// Let the heartbeat TTL lapse without a refresh.
	mr.FastForward(svc.ttl * 2)
	svc.pruneExpired(ctx)

	state, err := svc.Roster(ctx, "r1")
	if err != nil {
		t.Fatalf("roster err: %v", err)
	}
	if len(state) != 0 {
		t.Fatalf("expired heartbeat survived: %v", state)
	}

	svc.mu.RLock()
	_, tracked := svc.roster["r1"]
	svc.mu.RUnlock()
	if tracked {
		t.Fatal("local roster entry survived prune")
	}
}
